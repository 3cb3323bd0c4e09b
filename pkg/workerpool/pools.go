package workerpool

import (
	"context"
	"errors"
)

// Workload classes used by the settlement service.
const (
	ClassCheckout = "checkout"
	ClassRender   = "render"
	ClassDelivery = "delivery"
)

// Pools groups the pools of each workload class.
type Pools struct {
	Checkout *Pool
	Render   *Pool
	Delivery *Pool
}

func NewPools(checkout, render, delivery Config) *Pools {
	checkout.Name = ClassCheckout
	render.Name = ClassRender
	delivery.Name = ClassDelivery
	return &Pools{
		Checkout: New(checkout),
		Render:   New(render),
		Delivery: New(delivery),
	}
}

func (p *Pools) Stop(ctx context.Context) error {
	return errors.Join(
		p.Checkout.Stop(ctx),
		p.Render.Stop(ctx),
		p.Delivery.Stop(ctx),
	)
}
