package services

import (
	"bytes"
	"fmt"
	"time"

	"github.com/divan/num2words"
	"github.com/go-pdf/fpdf"
	"github.com/shopspring/decimal"
	"planpay/internal/models/db_models"
	"planpay/pkg/utils"
)

const receiptContentType = "application/pdf"

type ReceiptRendererInterface interface {
	Render(record *db_models.PaymentRecord, plan *db_models.Plan) ([]byte, error)
}

// ReceiptRenderer produces the PDF receipt for a payment. Output depends only on its
// inputs: document dates are pinned to the record's creation time. The ledger status
// is not printed, so the copy stored while PENDING matches the one mailed on capture.
type ReceiptRenderer struct {
	issuer string
}

func NewReceiptRenderer(issuer string) ReceiptRendererInterface {
	if issuer == "" {
		issuer = "PlanPay"
	}
	return &ReceiptRenderer{issuer: issuer}
}

func validateReceiptInput(record *db_models.PaymentRecord, plan *db_models.Plan) error {
	switch {
	case record == nil || plan == nil:
		return fmt.Errorf("%w: record and plan are required", utils.ErrRendering)
	case record.PaymentID == "":
		return fmt.Errorf("%w: empty payment id", utils.ErrRendering)
	case record.RequestedAmount.IsNegative() || record.PaidAmount.IsNegative():
		return fmt.Errorf("%w: negative amount on %s", utils.ErrRendering, record.PaymentID)
	case record.PaidAmount.GreaterThan(record.RequestedAmount):
		return fmt.Errorf("%w: paid %s exceeds requested %s on %s", utils.ErrRendering,
			record.PaidAmount, record.RequestedAmount, record.PaymentID)
	}
	return nil
}

func (r *ReceiptRenderer) Render(record *db_models.PaymentRecord, plan *db_models.Plan) ([]byte, error) {
	if err := validateReceiptInput(record, plan); err != nil {
		return nil, err
	}

	stamp := receiptTimestamp(record)

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(stamp)
	pdf.SetModificationDate(stamp)
	pdf.SetCatalogSort(true)
	pdf.SetTitle("Receipt "+record.PaymentID, true)
	pdf.SetAuthor(r.issuer, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, tr(r.issuer), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 8, "Payment receipt", "", 1, "L", false, 0, "")
	pdf.Ln(4)

	row := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(50, 7, label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 7, tr(value), "", 1, "L", false, 0, "")
	}

	row("Payment ID", record.PaymentID)
	row("Payment date", utils.FormatDisplayVN(utils.FromUnixSecondsVN(record.PaymentDate)))
	if ref := record.OrderRef(); ref != "" {
		row("Gateway reference", ref)
	}
	row("Customer", record.UserName)
	row("Email", record.UserMail)
	pdf.Ln(3)

	row("Plan", plan.Name)
	row("Duration", fmt.Sprintf("%d days", plan.DurationDays))
	if len(plan.Features) > 0 {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(0, 7, "Includes", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		for _, f := range plan.Features {
			pdf.CellFormat(5, 6, "", "", 0, "L", false, 0, "")
			pdf.MultiCell(0, 6, tr("- "+f), "", "L", false)
		}
	}
	pdf.Ln(3)

	cur := record.Currency
	row("Price", formatMoney(record.RequestedAmount, cur))
	if record.CouponCode != nil {
		row("Coupon", fmt.Sprintf("%s (-%s%%)", *record.CouponCode, record.DiscountPercent.String()))
	}
	discount := record.RequestedAmount.Sub(record.PaidAmount)
	if discount.IsPositive() {
		row("Discount", "-"+formatMoney(discount, cur))
	}

	pdf.SetFillColor(235, 240, 250)
	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(50, 9, "Total paid", "T", 0, "L", true, 0, "")
	pdf.CellFormat(0, 9, formatMoney(record.PaidAmount, cur), "T", 1, "L", true, 0, "")
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 6, tr(amountInWords(record.PaidAmount, cur)), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRendering, err)
	}
	return buf.Bytes(), nil
}

func receiptTimestamp(record *db_models.PaymentRecord) time.Time {
	switch {
	case record.CreatedAt > 0:
		return time.Unix(record.CreatedAt, 0).UTC()
	case record.PaymentDate > 0:
		return time.Unix(record.PaymentDate, 0).UTC()
	}
	return time.Unix(0, 0).UTC()
}

func formatMoney(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(2) + " " + currency
}

// amountInWords spells the major units and appends the minor units as a fraction.
func amountInWords(amount decimal.Decimal, currency string) string {
	amount = utils.RoundMoney(amount)
	major := amount.Truncate(0)
	minor := amount.Sub(major).Mul(decimalHundred).IntPart()

	words := num2words.ConvertAnd(int(major.IntPart()))
	if minor == 0 {
		return fmt.Sprintf("%s %s", words, currency)
	}
	return fmt.Sprintf("%s and %02d/100 %s", words, minor, currency)
}
