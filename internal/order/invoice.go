package order

import (
	"fmt"
	"html/template"
	"io"
	"math/rand/v2"
	"time"
)

// InvoiceStatus is the status stamped on every demo invoice
const InvoiceStatus = "Paid (Demo)"

// Invoice is the receipt for a checked-out cart
type Invoice struct {
	ID         int       `json:"id"`
	Date       string    `json:"date"`
	IssuedAt   time.Time `json:"issued_at"`
	Items      []Item    `json:"items"`
	GrandTotal float64   `json:"grand_total"`
	Status     string    `json:"status"`
}

// IDSource returns a six-digit invoice number
type IDSource func() int

// RandomID draws uniformly from [100000, 999999]
func RandomID() int {
	return 100000 + rand.IntN(900000)
}

// Checkout turns cart into an invoice issued at now
func Checkout(cart *Cart, now time.Time, ids IDSource) (*Invoice, error) {
	if cart == nil || len(cart.Items) == 0 {
		return nil, ErrEmptyCart
	}
	if ids == nil {
		ids = RandomID
	}

	items := make([]Item, len(cart.Items))
	copy(items, cart.Items)

	return &Invoice{
		ID:         ids(),
		Date:       now.Format("1/2/2006"),
		IssuedAt:   now,
		Items:      items,
		GrandTotal: cart.Total(),
		Status:     InvoiceStatus,
	}, nil
}

var invoiceTemplate = template.Must(template.New("invoice").Funcs(template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("৳%.2f", v) },
}).Parse(`<html>
  <head>
    <style>
      body { font-family: 'Helvetica', sans-serif; padding: 20px; }
      .header { text-align: center; margin-bottom: 30px; }
      .title { font-size: 24px; font-weight: bold; color: #3D6DB4; }
      .details { margin-bottom: 20px; border-bottom: 1px solid #ccc; padding-bottom: 10px; }
      table { width: 100%; border-collapse: collapse; margin-top: 20px; }
      th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
      th { background-color: #f2f2f2; }
      .total { margin-top: 20px; text-align: right; font-size: 18px; font-weight: bold; }
    </style>
  </head>
  <body>
    <div class="header">
      <div class="title">Medical Invoice</div>
      <p>Thank you for your order!</p>
    </div>
    <div class="details">
      <p><strong>Invoice ID:</strong> #{{.ID}}</p>
      <p><strong>Date:</strong> {{.Date}}</p>
      <p><strong>Status:</strong> {{.Status}}</p>
    </div>
    <table>
      <tr><th>Medicine</th><th>Qty</th><th>Price</th><th>Total</th></tr>
      {{- range .Items}}
      <tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{money .Price}}</td><td>{{money .Subtotal}}</td></tr>
      {{- end}}
    </table>
    <div class="total">Grand Total: {{money .GrandTotal}}</div>
  </body>
</html>
`))

// RenderHTML writes the printable invoice document
func (inv *Invoice) RenderHTML(w io.Writer) error {
	return invoiceTemplate.Execute(w, inv)
}
