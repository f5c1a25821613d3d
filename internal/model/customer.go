// internal/model/customer.go
package model

import "strconv"

// Customer is the host application's contact record.
type Customer struct {
	ID               int    `db:"id" json:"id"`
	Phone            string `db:"phone" json:"phone"`
	FirstName        string `db:"first_name" json:"first_name"`
	LastName         string `db:"last_name" json:"last_name"`
	Location         string `db:"location" json:"location"`
	PreferredProduct string `db:"preferred_product" json:"preferred_product"`
}

func (c Customer) RecipientID() string { return "customer-" + strconv.Itoa(c.ID) }

func (c Customer) PhoneNumber() string { return c.Phone }

func (c Customer) MessageFields() map[string]any {
	return map[string]any{
		"first_name":        c.FirstName,
		"last_name":         c.LastName,
		"location":          c.Location,
		"preferred_product": c.PreferredProduct,
	}
}
