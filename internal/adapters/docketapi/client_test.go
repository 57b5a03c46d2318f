package docketapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docketwatch/docketwatch/config"
	"github.com/docketwatch/docketwatch/internal/domain/model"
	apperrors "github.com/docketwatch/docketwatch/internal/errors"
)

func TestNewClient(t *testing.T) {
	t.Run("requires a base url", func(t *testing.T) {
		_, err := NewClient(config.DocketClientConfig{})
		require.Error(t, err)
	})

	t.Run("trims a trailing slash", func(t *testing.T) {
		c, err := NewClient(config.DocketClientConfig{BaseURL: "https://docket.example.com/"})
		require.NoError(t, err)
		assert.Equal(t, "https://docket.example.com", c.baseURL)
	})
}

func TestClient_FetchCase(t *testing.T) {
	record := model.CaseRecord{
		CaseID: "case-1",
		Title:  "Smith v. Jones",
		Court:  "N.D. Cal.",
		Documents: []model.CaseDocument{
			{DocumentID: "doc-1", Title: "Complaint"},
		},
	}

	t.Run("fetches and decodes a case", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/cases/case-1", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			require.NoError(t, json.NewEncoder(w).Encode(record))
		}))
		defer srv.Close()

		c, err := NewClient(config.DocketClientConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
		require.NoError(t, err)

		got, err := c.FetchCase(context.Background(), "case-1")
		require.NoError(t, err)
		assert.Equal(t, "Smith v. Jones", got.Title)
		require.Len(t, got.Documents, 1)
	})

	t.Run("fills a missing case id from the request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			require.NoError(t, json.NewEncoder(w).Encode(model.CaseRecord{Title: "Untitled"}))
		}))
		defer srv.Close()

		c, err := NewClient(config.DocketClientConfig{BaseURL: srv.URL})
		require.NoError(t, err)

		got, err := c.FetchCase(context.Background(), "case-9")
		require.NoError(t, err)
		assert.Equal(t, "case-9", got.CaseID)
	})

	t.Run("rejects an empty case id", func(t *testing.T) {
		c, err := NewClient(config.DocketClientConfig{BaseURL: "https://docket.example.com"})
		require.NoError(t, err)

		_, err = c.FetchCase(context.Background(), "  ")
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("maps 404 to not found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c, err := NewClient(config.DocketClientConfig{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = c.FetchCase(context.Background(), "case-404")
		require.Error(t, err)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("maps 5xx to unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c, err := NewClient(config.DocketClientConfig{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = c.FetchCase(context.Background(), "case-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsUnavailable(err))
	})

	t.Run("maps connection failures to unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // refuse connections

		c, err := NewClient(config.DocketClientConfig{BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = c.FetchCase(context.Background(), "case-1")
		require.Error(t, err)
		assert.True(t, apperrors.IsUnavailable(err))
	})
}
