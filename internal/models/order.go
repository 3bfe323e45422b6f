package models

import (
	"fmt"
	"time"
)

// OrderRef is the natural key shared by tabProtocolos, tabDetalhesServico
// and the link columns of tabAndamento.
type OrderRef struct {
	Number int
	Year   int
}

func (r OrderRef) String() string {
	return fmt.Sprintf("%d/%d", r.Number, r.Year)
}

// Order mirrors one row of tabProtocolos: the work-order header created by
// a desktop client or by the web application.
type Order struct {
	Number     int        `db:"nroprotocolo"`
	Year       int        `db:"anoprotocolo"`
	Requester  string     `db:"nomeusuario"`
	Category   string     `db:"categoria"`
	EnteredAt  *time.Time `db:"dataentrada"`
	Delivered  *time.Time `db:"entregdata"`
	Deadline   string     `db:"entregprazolink"`
	ReproQuota *int       `db:"cotarepro"`
	CardQuota  *int       `db:"cotacartao"`
}

func (o *Order) Ref() OrderRef {
	return OrderRef{Number: o.Number, Year: o.Year}
}

// OrderDetail mirrors one row of tabDetalhesServico, the 1:1 production
// specification of an order.
type OrderDetail struct {
	Number      int    `db:"nroprotocololinkdet"`
	Year        int    `db:"anoprotocololinkdet"`
	Title       string `db:"titulo"`
	Publication string `db:"tipopublicacaolink"`
	Format      string `db:"formato"`
	Machine     string `db:"maquina"`
	RunQuantity *int   `db:"tiragem"`
	Pages       *int   `db:"pags"`
	Paper       string `db:"papel"`
	Color       string `db:"cor"`
	Finishing   string `db:"acabamento"`
}

func (d *OrderDetail) Ref() OrderRef {
	return OrderRef{Number: d.Number, Year: d.Year}
}
