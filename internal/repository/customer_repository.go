package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// CustomerRepositoryInterface defines methods used by service
type CustomerRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Customer, error)
	ListAll(ctx context.Context) ([]model.Customer, error)
}

// CustomerRepository reads the customers table. As a recipient directory it
// groups customers by location.
type CustomerRepository struct {
	DB *sql.DB
}

// GetByID fetches a customer by ID. A missing customer is (nil, nil).
func (r *CustomerRepository) GetByID(ctx context.Context, id int) (*model.Customer, error) {
	query := `
        SELECT id, phone, first_name, last_name, location, preferred_product
        FROM customers
        WHERE id = $1
    `
	var c model.Customer
	if err := r.DB.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Phone, &c.FirstName, &c.LastName, &c.Location, &c.PreferredProduct); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepository) ListAll(ctx context.Context) ([]model.Customer, error) {
	return r.list(ctx, "")
}

func (r *CustomerRepository) list(ctx context.Context, location string) ([]model.Customer, error) {
	query := `
        SELECT id, phone, first_name, last_name, location, preferred_product
        FROM customers
    `
	args := []any{}
	if location != "" {
		query += ` WHERE location = $1`
		args = append(args, location)
	}
	query += ` ORDER BY id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []model.Customer{}
	for rows.Next() {
		var c model.Customer
		if err := rows.Scan(&c.ID, &c.Phone, &c.FirstName, &c.LastName, &c.Location, &c.PreferredProduct); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// Lookup returns the customers of a location as recipients. An empty group means everyone.
func (r *CustomerRepository) Lookup(ctx context.Context, group string) ([]model.Recipient, error) {
	customers, err := r.list(ctx, group)
	if err != nil {
		return nil, err
	}
	out := make([]model.Recipient, len(customers))
	for i, c := range customers {
		out[i] = model.RecipientFrom(c, c.Location)
	}
	return out, nil
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
