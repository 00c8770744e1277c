package storage

import "context"

type IService interface {
	// StoreFile uploads a local file and returns where it can be fetched from.
	StoreFile(ctx context.Context, fileName string) (string, error)
}
