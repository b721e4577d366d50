package docs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swaggo/swag/v2"
)

func TestSwaggerDocRegistered(t *testing.T) {
	raw, err := swag.ReadDoc(SwaggerInfo.InstanceName())
	require.NoError(t, err)

	var doc struct {
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
		Info     struct {
			Title string `json:"title"`
		} `json:"info"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))

	assert.Equal(t, "/api/v1", doc.BasePath)
	assert.Equal(t, SwaggerInfo.Title, doc.Info.Title)
	for _, path := range []string{"/cache/sysvar", "/cache/doctypes", "/cache/dates", "/cache/today",
		"/cache/holiday", "/cache/day", "/cache/addday", "/cache/stats", "/cache/populate",
		"/cache/invalidate", "/system/info", "/health"} {
		assert.Contains(t, doc.Paths, path)
	}
}
