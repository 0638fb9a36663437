// Package models provides data model definitions for the stockroom backend.
package models

import "strings"

// Product is a catalogue row owned by exactly one user. The pair
// (Code, OwnerID) is unique; different owners may reuse a code.
type Product struct {
	ID        string `db:"id" json:"id,omitempty"`
	Code      string `db:"code" json:"code" validate:"required"`
	Name      string `db:"name" json:"name" validate:"required"`
	Category  string `db:"category" json:"category" validate:"required"`
	Brand     string `db:"brand" json:"brand" validate:"required"`
	Unit      string `db:"unit" json:"unit" validate:"required"`
	OwnerID   string `db:"owner_id" json:"owner_id,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at,omitempty"`
}

// TableName returns the table name for Product.
func (Product) TableName() string {
	return "products"
}

// Normalize trims surrounding whitespace from the client-supplied fields.
func (p *Product) Normalize() {
	p.Code = strings.TrimSpace(p.Code)
	p.Name = strings.TrimSpace(p.Name)
	p.Category = strings.TrimSpace(p.Category)
	p.Brand = strings.TrimSpace(p.Brand)
	p.Unit = strings.TrimSpace(p.Unit)
}

// SheetRow returns the product as a spreadsheet row:
// code, name, category, brand, unit.
func (p Product) SheetRow() []string {
	return []string{p.Code, p.Name, p.Category, p.Brand, p.Unit}
}
