package schema

type Table struct {
	Name        string
	Schema      string
	Columns     []Column
	PrimaryKeys []string
}

type Column struct {
	Name         string
	DataType     string
	IsNullable   bool
	DefaultValue *string
	MaxLength    *int
	Precision    *int
	Scale        *int
	Position     int
}
