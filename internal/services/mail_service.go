// services/mail_service.go
package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"html/template"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	texttemplate "text/template"
	"time"

	"planpay/internal/config"
	"planpay/pkg/utils"
)

const (
	TemplatePaymentReceipt = "payment_receipt"
	TemplatePaymentFailed  = "payment_failed"
)

// Notification is the data contract for every payment mail. Receipts carry the PDF
// attachment; failure notices carry none.
type Notification struct {
	To              string
	Subject         string
	BodyTemplateID  string
	AttachmentBytes []byte
	AttachmentName  string
	Metadata        map[string]string
}

type IMailService interface {
	SendWithAttachment(ctx context.Context, n Notification) error
}

type smtpMailService struct {
	cfg     config.SMTPConfig
	htmlTpl *template.Template
	textTpl *texttemplate.Template
	now     func() time.Time
}

func NewSMTPMailService(cfg config.SMTPConfig) (IMailService, error) {
	htmlTpl, err := template.New("mailHTML").Parse(mailHTMLTemplate)
	if err != nil {
		return nil, err
	}
	textTpl, err := texttemplate.New("mailText").Parse(mailTextTemplate)
	if err != nil {
		return nil, err
	}

	return &smtpMailService{
		cfg:     cfg,
		htmlTpl: htmlTpl,
		textTpl: textTpl,
		now:     time.Now,
	}, nil
}

// ------------------- Public API -------------------

func (s *smtpMailService) SendWithAttachment(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.To) == "" {
		return fmt.Errorf("%w: empty recipient", utils.ErrDelivery)
	}

	var files []mailAttachment
	if len(n.AttachmentBytes) > 0 {
		files = append(files, mailAttachment{
			name:        n.AttachmentName,
			contentType: mime.TypeByExtension(attachmentExt(n.AttachmentName)),
			data:        n.AttachmentBytes,
		})
	}

	msg, err := s.compose(n.To, n.Subject, s.templateData(n), files)
	if err != nil {
		return fmt.Errorf("%w: compose: %v", utils.ErrDelivery, err)
	}
	if err := s.deliver(ctx, n.To, msg); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrDelivery, err)
	}
	return nil
}

// ------------------- Rendering -------------------

type EmailData struct {
	Title     string
	Intro     string
	Lines     []string
	ButtonURL string
	ButtonTxt string
	AppName   string
	Year      int
}

func (s *smtpMailService) templateData(n Notification) EmailData {
	md := n.Metadata
	data := EmailData{Title: n.Subject}

	switch n.BodyTemplateID {
	case TemplatePaymentReceipt:
		data.Intro = fmt.Sprintf("Thank you for purchasing %s. Your receipt is attached to this email.", md["plan_name"])
		data.Lines = []string{
			"Payment ID: " + md["payment_id"],
			"Amount: " + md["amount"],
		}
		if md["receipt_url"] != "" {
			data.ButtonURL = md["receipt_url"]
			data.ButtonTxt = "View receipt"
		}
	case TemplatePaymentFailed:
		data.Intro = fmt.Sprintf("We could not confirm your payment %s for %s.", md["payment_id"], md["plan_name"])
		data.Lines = []string{
			"Amount: " + md["amount"],
			"You have not been charged for this order.",
		}
	default:
		data.Intro = md["body"]
	}
	return data
}

const mailHTMLTemplate = `<!doctype html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body style="margin:0;padding:24px;background:#f1f5f9;font-family:Helvetica,Arial,sans-serif;color:#0f172a">
  <div style="max-width:600px;margin:0 auto;background:#ffffff;border-radius:12px;padding:32px">
    <div style="font-weight:700;font-size:20px;color:#2563eb">{{.AppName}}</div>
    <h1 style="font-size:24px">{{.Title}}</h1>
    <p>{{.Intro}}</p>
    {{range .Lines}}<p style="margin:4px 0;color:#475569">{{.}}</p>{{end}}
    {{if .ButtonURL}}<p style="margin-top:24px"><a href="{{.ButtonURL}}" style="background:#2563eb;color:#ffffff;padding:12px 24px;border-radius:8px;text-decoration:none">{{.ButtonTxt}}</a></p>{{end}}
    <p style="margin-top:32px;font-size:12px;color:#64748b">© {{.Year}} {{.AppName}}</p>
  </div>
</body>
</html>`

const mailTextTemplate = `{{.Title}}

{{.Intro}}
{{range .Lines}}
{{.}}{{end}}
{{if .ButtonURL}}
{{.ButtonTxt}}: {{.ButtonURL}}
{{end}}
{{.AppName}} (c) {{.Year}}
`

type mailAttachment struct {
	name        string
	contentType string
	data        []byte
}

func attachmentExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// compose builds a multipart/mixed message: an alternative text/html part followed
// by the attachments.
func (s *smtpMailService) compose(to, subject string, data EmailData, files []mailAttachment) ([]byte, error) {
	data.AppName = s.cfg.AppName
	data.Year = s.now().Year()

	var htmlBody, textBody bytes.Buffer
	if err := s.htmlTpl.Execute(&htmlBody, data); err != nil {
		return nil, err
	}
	if err := s.textTpl.Execute(&textBody, data); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	mixed := multipart.NewWriter(&msg)

	fmt.Fprintf(&msg, "From: %s\r\n", s.formatFromHeader())
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixed.Boundary())

	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if err := writeTextPart(altWriter, "text/plain; charset=UTF-8", textBody.Bytes()); err != nil {
		return nil, err
	}
	if err := writeTextPart(altWriter, "text/html; charset=UTF-8", htmlBody.Bytes()); err != nil {
		return nil, err
	}
	if err := altWriter.Close(); err != nil {
		return nil, err
	}

	altPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary())},
	})
	if err != nil {
		return nil, err
	}
	if _, err := altPart.Write(alt.Bytes()); err != nil {
		return nil, err
	}

	for _, f := range files {
		ct := f.contentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("%s; name=%q", ct, f.name)},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", f.name)},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, f.data); err != nil {
			return nil, err
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func writeTextPart(w *multipart.Writer, contentType string, body []byte) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}
	return writeBase64Lines(part, body)
}

// writeBase64Lines wraps encoded output at 76 columns (RFC 2045).
func writeBase64Lines(w interface{ Write([]byte) (int, error) }, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}

// ------------------- SMTP Send -------------------

func (s *smtpMailService) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	tlsCfg := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	var conn net.Conn
	var err error
	if s.cfg.UseSSL {
		// SMTPS (implicit TLS, usually port 465)
		d := &tls.Dialer{Config: tlsCfg}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: 10 * time.Second}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Quit()

	if !s.cfg.UseSSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err = c.StartTLS(tlsCfg); err != nil {
				return err
			}
		} else if s.cfg.RequireTLS {
			return fmt.Errorf("server does not support STARTTLS and RequireTLS=true")
		}
	}

	if s.cfg.Username != "" {
		if err = c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err = c.Mail(s.cfg.From); err != nil {
		return err
	}
	if err = c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

func (s *smtpMailService) formatFromHeader() string {
	name := strings.TrimSpace(s.cfg.FromName)
	if name == "" {
		return s.cfg.From
	}
	return fmt.Sprintf("%s <%s>", mime.BEncoding.Encode("UTF-8", name), s.cfg.From)
}
