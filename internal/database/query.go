package database

import (
	"fmt"

	"gorm.io/gorm"
)

// FilterOperator represents SQL comparison operators.
type FilterOperator int

// FilterOperator values.
const (
	OpEqual FilterOperator = iota
	OpGreaterThan
	OpGreaterOrEqual
	OpLessThan
	OpLike
	OpIn
)

// String returns the SQL representation of the operator.
func (o FilterOperator) String() string {
	switch o {
	case OpGreaterThan:
		return ">"
	case OpGreaterOrEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLike:
		return "LIKE"
	case OpIn:
		return "IN"
	default:
		return "="
	}
}

// Filter represents a single query filter condition.
type Filter struct {
	field    string
	operator FilterOperator
	value    any
}

// NewFilter creates a new Filter.
func NewFilter(field string, operator FilterOperator, value any) Filter {
	return Filter{
		field:    field,
		operator: operator,
		value:    value,
	}
}

// Field returns the filter field name.
func (f Filter) Field() string { return f.field }

// Operator returns the filter operator.
func (f Filter) Operator() FilterOperator { return f.operator }

// Value returns the filter value.
func (f Filter) Value() any { return f.value }

// SortDirection represents sort direction.
type SortDirection int

// SortDirection values.
const (
	SortAsc SortDirection = iota
	SortDesc
)

// String returns the SQL representation.
func (s SortDirection) String() string {
	if s == SortDesc {
		return "DESC"
	}
	return "ASC"
}

// OrderBy represents a sort specification.
type OrderBy struct {
	field     string
	direction SortDirection
}

// NewOrderBy creates a new OrderBy.
func NewOrderBy(field string, direction SortDirection) OrderBy {
	return OrderBy{
		field:     field,
		direction: direction,
	}
}

// Field returns the field name.
func (o OrderBy) Field() string { return o.field }

// Direction returns the sort direction.
func (o OrderBy) Direction() SortDirection { return o.direction }

// Query represents a database query with filters, ordering, and a limit.
type Query struct {
	filters []Filter
	orderBy []OrderBy
	limit   int
}

// NewQuery creates a new empty Query.
func NewQuery() Query {
	return Query{}
}

// Where adds a filter condition.
func (q Query) Where(field string, operator FilterOperator, value any) Query {
	q.filters = append(q.filters, NewFilter(field, operator, value))
	return q
}

// Equal adds an equality filter.
func (q Query) Equal(field string, value any) Query {
	return q.Where(field, OpEqual, value)
}

// GreaterThan adds a greater-than filter.
func (q Query) GreaterThan(field string, value any) Query {
	return q.Where(field, OpGreaterThan, value)
}

// GreaterOrEqual adds a greater-or-equal filter.
func (q Query) GreaterOrEqual(field string, value any) Query {
	return q.Where(field, OpGreaterOrEqual, value)
}

// LessThan adds a less-than filter.
func (q Query) LessThan(field string, value any) Query {
	return q.Where(field, OpLessThan, value)
}

// Like adds a LIKE filter.
func (q Query) Like(field string, pattern string) Query {
	return q.Where(field, OpLike, pattern)
}

// In adds an IN filter.
func (q Query) In(field string, values any) Query {
	return q.Where(field, OpIn, values)
}

// Order adds an ordering specification.
func (q Query) Order(field string, direction SortDirection) Query {
	q.orderBy = append(q.orderBy, NewOrderBy(field, direction))
	return q
}

// OrderAsc adds ascending ordering.
func (q Query) OrderAsc(field string) Query {
	return q.Order(field, SortAsc)
}

// Limit sets the result limit.
func (q Query) Limit(limit int) Query {
	q.limit = limit
	return q
}

// Filters returns all filter conditions.
func (q Query) Filters() []Filter {
	result := make([]Filter, len(q.filters))
	copy(result, q.filters)
	return result
}

// Orders returns all ordering specifications.
func (q Query) Orders() []OrderBy {
	result := make([]OrderBy, len(q.orderBy))
	copy(result, q.orderBy)
	return result
}

// LimitValue returns the limit value (0 means no limit).
func (q Query) LimitValue() int {
	return q.limit
}

// Apply applies the query to a GORM database session.
func (q Query) Apply(db *gorm.DB) *gorm.DB {
	result := db

	for _, filter := range q.filters {
		result = applyFilter(result, filter)
	}

	for _, order := range q.orderBy {
		result = result.Order(fmt.Sprintf("%s %s", order.field, order.direction.String()))
	}

	if q.limit > 0 {
		result = result.Limit(q.limit)
	}

	return result
}

func applyFilter(db *gorm.DB, filter Filter) *gorm.DB {
	switch filter.operator {
	case OpGreaterThan:
		return db.Where(fmt.Sprintf("%s > ?", filter.field), filter.value)
	case OpGreaterOrEqual:
		return db.Where(fmt.Sprintf("%s >= ?", filter.field), filter.value)
	case OpLessThan:
		return db.Where(fmt.Sprintf("%s < ?", filter.field), filter.value)
	case OpLike:
		return db.Where(fmt.Sprintf("%s LIKE ?", filter.field), filter.value)
	case OpIn:
		return db.Where(fmt.Sprintf("%s IN ?", filter.field), filter.value)
	default:
		return db.Where(fmt.Sprintf("%s = ?", filter.field), filter.value)
	}
}
