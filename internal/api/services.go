package api

import (
	"github.com/krithibase/krithibase-server/internal/service"
	"github.com/krithibase/krithibase-server/internal/variant"
)

// Services groups the business logic used by the API server.
type Services struct {
	Batch      *service.BatchService
	Extraction *service.ExtractionService
	Catalog    *service.CatalogService
	Variants   *variant.Matcher
}
