package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-atomic-orders/internal/orders"
)

// DemoCatalogue is the product set loaded by `api seed`.
func DemoCatalogue() []orders.Product {
	p := func(id, name, desc, price string, qty int) orders.Product {
		return orders.Product{ID: id, Name: name, Description: desc, Price: decimal.RequireFromString(price), Quantity: qty}
	}
	return []orders.Product{
		p("solar-panel-400w", "Solar Panel 400W", "High-efficiency photovoltaic solar panel", "249.99", 50),
		p("wind-turbine-controller", "Wind Turbine Controller", "Controller unit for small wind turbines", "899.00", 15),
		p("energy-storage-battery", "Energy Storage Battery", "Lithium battery for energy storage systems", "1299.50", 20),
		p("smart-energy-meter", "Smart Energy Meter", "Digital meter for electricity consumption tracking", "149.75", 100),
		p("ev-charging-cable", "EV Charging Cable", "Type 2 charging cable for electric vehicles", "199.00", 40),
	}
}

// Seed inserts products that are not there yet and returns how many were
// added. Existing rows, and their stock, are left alone.
func Seed(ctx context.Context, db *pgxpool.Pool, products []orders.Product) (int, error) {
	added := 0
	for _, p := range products {
		ct, err := db.Exec(ctx, `
			INSERT INTO products(id, name, description, price, quantity)
			VALUES ($1, $2, $3, $4::numeric, $5)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, p.Name, p.Description, p.Price.String(), p.Quantity,
		)
		if err != nil {
			return added, errors.Wrapf(err, "seed product %s", p.ID)
		}
		added += int(ct.RowsAffected())
	}
	return added, nil
}
