package domain

// Customer is owned by customer management; orders only reference it.
type Customer struct {
	ID    string
	Name  string
	Email string
}
