package models

// BaseResponse is the envelope for single-object responses.
type BaseResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse is the envelope for error responses.
type ErrorResponse struct {
	Error string `json:"error"`
	Msg   string `json:"message"`
}

// MetaResponse carries pagination metadata.
type MetaResponse struct {
	CurrentPage int64 `json:"current_page"`
	LastPage    int64 `json:"last_page"`
	PerPage     int64 `json:"per_page"`
	Total       int64 `json:"total"`
}

// BasePaginationResponse is the envelope for paginated list responses.
type BasePaginationResponse struct {
	Data interface{}  `json:"data"`
	Meta MetaResponse `json:"meta"`
}
