package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/breeze-rmm/breeze/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrgRejectsForeignPartner(t *testing.T) {
	s := &Server{}
	body := strings.NewReader(`{"partnerId":"pt-other","name":"Acme","slug":"acme"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orgs", body)
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(auth.WithContext(req.Context(),
		&auth.AuthContext{UserID: "u1", PartnerID: "pt-mine"}))

	rec := httptest.NewRecorder()
	s.handleCreateOrg(rec, req)

	// Cross-partner answers 404, never 403.
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPartnerRef(t *testing.T) {
	assert.Nil(t, partnerRef(&auth.AuthContext{UserID: "sys"}))

	ref := partnerRef(&auth.AuthContext{UserID: "u1", PartnerID: "pt-1"})
	require.NotNil(t, ref)
	assert.Equal(t, "pt-1", *ref)
}
