package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/formfill/internal/auth"
)

func proClient(t *testing.T, env *testEnv, addr string) (*client, string) {
	t.Helper()
	c := env.newClient()
	u := c.signIn(t, addr)
	c.grantPro(t, auth.Identity{ID: u.ID}.Key(), "sub_"+u.ID)
	return c, u.ID
}

func TestProfilesCRUD(t *testing.T) {
	env := setupTestEnv(t)
	c, _ := proClient(t, env, "a@example.com")

	rec := c.sendJSON(http.MethodPost, "/api/profiles", map[string]any{
		"name": "Home",
		"data": map[string]any{"full_name": "Ann Lee", "email": "ann@example.com"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	id := decodeBody(t, rec)["id"].(string)

	rec = c.get("/api/profiles")
	list, _ := decodeBody(t, rec)["profiles"].([]any)
	if len(list) != 1 {
		t.Fatalf("profiles = %d, want 1", len(list))
	}

	rec = c.sendJSON(http.MethodPut, "/api/profiles/"+id, map[string]any{"name": "Work"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	body := decodeBody(t, c.get("/api/profiles/"+id))
	if body["name"] != "Work" {
		t.Errorf("name = %v, want Work", body["name"])
	}
	data, _ := body["data"].(map[string]any)
	if data["full_name"] != "Ann Lee" {
		t.Errorf("update without data must keep data, got %v", data)
	}

	rec = c.do(httptest.NewRequest(http.MethodDelete, "/api/profiles/"+id, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := c.get("/api/profiles/" + id); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
	if rec := c.do(httptest.NewRequest(http.MethodDelete, "/api/profiles/"+id, nil)); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}

func TestProfilesIsolatedPerUser(t *testing.T) {
	env := setupTestEnv(t)
	alice, _ := proClient(t, env, "alice@example.com")
	bob, _ := proClient(t, env, "bob@example.com")

	rec := alice.sendJSON(http.MethodPost, "/api/profiles", map[string]any{"name": "Mine"})
	id := decodeBody(t, rec)["id"].(string)

	if rec := bob.get("/api/profiles/" + id); rec.Code != http.StatusNotFound {
		t.Errorf("bob get = %d, want 404", rec.Code)
	}
	if rec := bob.sendJSON(http.MethodPut, "/api/profiles/"+id, map[string]any{"name": "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("bob update = %d, want 404", rec.Code)
	}
}

func TestProfileCreateRequiresPro(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()

	if rec := c.sendJSON(http.MethodPost, "/api/profiles", map[string]any{"name": "x"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous create = %d, want 401", rec.Code)
	}

	c.signIn(t, "free@example.com")
	rec := c.sendJSON(http.MethodPost, "/api/profiles", map[string]any{"name": "x"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("free create = %d, want 403", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "pro_required" {
		t.Errorf("error = %v, want pro_required", got)
	}
	if rec := c.get("/api/profiles"); rec.Code != http.StatusOK {
		t.Errorf("free list = %d, want 200", rec.Code)
	}
}

func TestProfileCreateValidatesName(t *testing.T) {
	env := setupTestEnv(t)
	c, _ := proClient(t, env, "a@example.com")

	for _, body := range []map[string]any{{}, {"name": "   "}} {
		if rec := c.sendJSON(http.MethodPost, "/api/profiles", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestApplyProfileSavesAndReusesMapping(t *testing.T) {
	env := setupTestEnv(t)
	c, userID := proClient(t, env, "a@example.com")

	rec := c.sendJSON(http.MethodPost, "/api/profiles", map[string]any{
		"name": "Home",
		"data": map[string]any{"full_name": "Ann Lee", "email": "ann@example.com", "city": "Reno"},
	})
	id := decodeBody(t, rec)["id"].(string)
	hash := "0123456789abcdef"

	rec = c.sendJSON(http.MethodPost, "/api/profiles/apply", map[string]any{
		"profile_id": id,
		"pdf_fields": []string{"FullName", "E-Mail", "Signature"},
		"pdf_hash":   hash,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	values, _ := body["values"].(map[string]any)
	if values["FullName"] != "Ann Lee" || values["E-Mail"] != "ann@example.com" {
		t.Errorf("values = %v", values)
	}
	if _, ok := values["Signature"]; ok {
		t.Error("unmatched field must not be filled")
	}
	if body["cached"] != false {
		t.Errorf("first apply cached = %v", body["cached"])
	}

	saved, err := env.mappings.Get(userID, hash)
	if err != nil || saved == nil {
		t.Fatalf("mapping not saved: %v", err)
	}
	if saved.Mappings["FullName"] != "full_name" {
		t.Errorf("mappings = %v", saved.Mappings)
	}

	rec = c.sendJSON(http.MethodPut, "/api/mappings/"+hash, map[string]any{
		"mappings": map[string]string{"Signature": "city"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put mapping status = %d", rec.Code)
	}

	rec = c.sendJSON(http.MethodPost, "/api/profiles/apply", map[string]any{
		"profile_id": id,
		"pdf_fields": []string{"FullName", "E-Mail", "Signature"},
		"pdf_hash":   hash,
	})
	body = decodeBody(t, rec)
	values, _ = body["values"].(map[string]any)
	if body["cached"] != true || values["Signature"] != "Reno" || len(values) != 1 {
		t.Errorf("cached apply = %v", body)
	}
}

func TestMappingsValidation(t *testing.T) {
	env := setupTestEnv(t)
	c := env.newClient()
	c.signIn(t, "a@example.com")

	if rec := c.get("/api/mappings/0123456789abcdef"); rec.Code != http.StatusNotFound {
		t.Errorf("missing mapping = %d, want 404", rec.Code)
	}
	if rec := c.get("/api/mappings/not-a-hash"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad hash = %d, want 400", rec.Code)
	}
	rec := c.sendJSON(http.MethodPut, "/api/mappings/0123456789abcdef", map[string]any{
		"mappings": map[string]string{"Field1": "favorite_color"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown key = %d, want 400", rec.Code)
	}
}
