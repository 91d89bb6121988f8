// Package order builds a demo medicine cart from a user's prescriptions and
// checks it out into a printable invoice.
package order

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/medtrack/go-medtrack/internal/domain/prescription"
)

var (
	// ErrItemNotFound is returned for a cart operation on an unknown item
	ErrItemNotFound = errors.New("cart item not found")
	// ErrEmptyCart is returned when checking out a cart with no items
	ErrEmptyCart = errors.New("cart is empty")
)

// Item is one medicine line in the cart
type Item struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Dose     string  `json:"dose"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// Subtotal is price times quantity
func (i Item) Subtotal() float64 {
	return i.Price * float64(i.Quantity)
}

// Cart is an ordered list of items
type Cart struct {
	Items []Item `json:"items"`
}

// MockPrice is the demo unit price: five per UTF-16 code unit of the name
// plus ten, so a character outside the BMP counts twice
func MockPrice(name string) float64 {
	return float64(len(utf16.Encode([]rune(name)))*5 + 10)
}

// BuildCart creates one line per medication across records, each with
// quantity 1. Records whose medications cannot be parsed are skipped and
// returned
func BuildCart(records []prescription.Record) (*Cart, []*prescription.ParseError) {
	cart := &Cart{Items: []Item{}}
	var failures []*prescription.ParseError

	for _, rec := range records {
		parsed := rec.ParseMedications()
		if !parsed.Valid() {
			failures = append(failures, parsed.Err)
			continue
		}
		for i, med := range parsed.Medications {
			id := med.ID
			if id == "" {
				id = fmt.Sprintf("%s-%d", rec.ID, i)
			}
			cart.Items = append(cart.Items, Item{
				ID:       id,
				Name:     med.Name,
				Dose:     strings.Join(med.Slots, ", ") + " " + med.Instruction,
				Price:    MockPrice(med.Name),
				Quantity: 1,
			})
		}
	}
	return cart, failures
}

func (c *Cart) find(id string) (int, error) {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrItemNotFound, id)
}

// Increase adds one to the item's quantity
func (c *Cart) Increase(id string) error {
	i, err := c.find(id)
	if err != nil {
		return err
	}
	c.Items[i].Quantity++
	return nil
}

// Decrease removes one from the item's quantity, never going below 1
func (c *Cart) Decrease(id string) error {
	i, err := c.find(id)
	if err != nil {
		return err
	}
	if c.Items[i].Quantity > 1 {
		c.Items[i].Quantity--
	}
	return nil
}

// Remove drops the item from the cart
func (c *Cart) Remove(id string) error {
	i, err := c.find(id)
	if err != nil {
		return err
	}
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	return nil
}

// Total is the sum of subtotals
func (c *Cart) Total() float64 {
	var total float64
	for _, item := range c.Items {
		total += item.Subtotal()
	}
	return total
}

// Selection is a client's choice of quantity for one item
type Selection struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

// Apply keeps only the selected items, in cart order, with their chosen
// quantities. Quantities below 1 become 1. An empty selection keeps the cart
// unchanged
func (c *Cart) Apply(selections []Selection) error {
	if len(selections) == 0 {
		return nil
	}

	chosen := make(map[string]int, len(selections))
	for _, s := range selections {
		if _, err := c.find(s.ID); err != nil {
			return err
		}
		q := s.Quantity
		if q < 1 {
			q = 1
		}
		chosen[s.ID] = q
	}

	kept := c.Items[:0]
	for _, item := range c.Items {
		if q, ok := chosen[item.ID]; ok {
			item.Quantity = q
			kept = append(kept, item)
		}
	}
	c.Items = kept
	return nil
}
