package model

type Variant struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// MessageTemplate holds a base body plus optional named variants in declaration order.
type MessageTemplate struct {
	ID       string    `json:"id,omitempty"`
	Body     string    `json:"body"`
	Variants []Variant `json:"variants,omitempty"`
}

// VariantBody returns the body for name, falling back to the base body for "".
func (t MessageTemplate) VariantBody(name string) (string, bool) {
	if name == "" {
		return t.Body, true
	}
	for _, v := range t.Variants {
		if v.Name == name {
			return v.Body, true
		}
	}
	return "", false
}
