// Package pagination holds the query-binding types shared by list endpoints.
package pagination

// Pagination binds the common list query parameters. Handlers clamp PageSize
// to their own maximum before querying.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=10" validate:"gte=1,lte=250"`
}
