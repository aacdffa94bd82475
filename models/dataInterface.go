package models

type Identifier interface {
	GetId() int
}

// interface for dataloader result
type Data interface {
	Identifier
	GetDefault(int) Data
}

// interface for dataloader results keyed by a parent record
type RelatedData interface {
	GetReferenceId() int
}
