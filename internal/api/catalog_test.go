package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sigml/Darowizna/internal/config"
	"github.com/Sigml/Darowizna/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func newCatalogTestServer(catalog *mockCatalog) *gin.Engine {
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &Server{
		cfg:     &config.Config{},
		logger:  logger,
		catalog: catalog,
	}

	r := gin.New()
	r.DELETE("/institutions/:id", func(c *gin.Context) {
		c.Set("userID", uint(2))
		c.Set("isStaff", true)
		s.handleDeleteInstitution(c)
	})
	return r
}

func TestDeleteInstitution_Cascades(t *testing.T) {
	var deletedID uint
	catalog := &mockCatalog{
		deleteFunc: func(ctx context.Context, institutionID uint) error {
			deletedID = institutionID
			return nil
		},
	}
	r := newCatalogTestServer(catalog)

	req := httptest.NewRequest(http.MethodDelete, "/institutions/4", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if catalog.deleteCalls != 1 || deletedID != 4 {
		t.Fatalf("expected cascade delete of institution 4, got calls=%d id=%d", catalog.deleteCalls, deletedID)
	}
}

func TestDeleteInstitution_NotFound(t *testing.T) {
	catalog := &mockCatalog{
		deleteFunc: func(ctx context.Context, institutionID uint) error {
			return gorm.ErrRecordNotFound
		},
	}
	r := newCatalogTestServer(catalog)

	req := httptest.NewRequest(http.MethodDelete, "/institutions/999", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteInstitution_InvalidID(t *testing.T) {
	catalog := &mockCatalog{}
	r := newCatalogTestServer(catalog)

	req := httptest.NewRequest(http.MethodDelete, "/institutions/abc", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if catalog.deleteCalls != 0 {
		t.Fatalf("expected no delete call for bad id, got %d", catalog.deleteCalls)
	}
}
