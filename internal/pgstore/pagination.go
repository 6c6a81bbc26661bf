package pgstore

// Pagination bounds a List query. Limit <= 0 defaults to 50.
type Pagination struct {
	Limit  int
	Offset int
}

func (p Pagination) limitOrDefault() int {
	if p.Limit <= 0 {
		return 50
	}
	return p.Limit
}
