package webhook

import "context"

type Credentials struct {
	Username string
	Password string
}

type IService interface {
	// Get calls url and returns the response status code.
	Get(ctx context.Context, url string, creds Credentials) (int, error)
	// Post sends payload as JSON and returns the response status code.
	Post(ctx context.Context, url string, creds Credentials, payload interface{}) (int, error)
}
