package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/validation"
)

type sourceRef struct {
	URL  string `json:"url" validate:"required,httpurl"`
	Tier int    `json:"tier" validate:"gte=1,lte=5"`
}

type submitRequest struct {
	ManifestPath string    `json:"manifest_path" validate:"required"`
	Mode         string    `json:"mode,omitempty" validate:"omitempty,oneof=PRIMARY ENRICH"`
	Source       sourceRef `json:"source"`
}

func TestValidator_Valid(t *testing.T) {
	v := validation.New()

	err := v.Validate(submitRequest{
		ManifestPath: "/data/manifest.csv",
		Source:       sourceRef{URL: "https://example.org/krithi/1", Tier: 2},
	})
	assert.NoError(t, err)
}

func TestValidator_ReportsNestedJSONPaths(t *testing.T) {
	v := validation.New()

	err := v.Validate(submitRequest{
		Mode:   "OTHER",
		Source: sourceRef{URL: "ftp://example.org", Tier: 9},
	})
	require.Error(t, err)

	var domainErr *domainerrors.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, domainerrors.CodeValidation, domainErr.Code)

	details, ok := domainErr.Details.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required", details["manifest_path"])
	assert.Contains(t, details["mode"], "PRIMARY ENRICH")
	assert.Equal(t, "must be a valid http(s) URL", details["source.url"])
	assert.Contains(t, details["source.tier"], "5")
}

func TestValidator_Var(t *testing.T) {
	v := validation.New()

	assert.NoError(t, v.Var("url", "http://a.example/x", "httpurl"))

	err := v.Var("url", "not a url", "httpurl")
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrValidation))
}
