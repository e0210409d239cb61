package workspace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"collabiq/core/domain"
	"collabiq/pkg/apperr"
)

func testAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewAdapter(Config{
		BaseURL:            srv.URL,
		Token:              "secret-token",
		CollaborationsDBID: "collab-db",
		CompaniesDBID:      "companies-db",
		RequestsPerSecond:  1000, // 테스트에서는 버킷 대기 없음
	}, srv.Client())
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode fake response: %v", err)
	}
}

// TestSchemaDiscovery tests database schema discovery and the request
// headers every call must carry.
func TestSchemaDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/databases/collab-db", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q, want Bearer secret-token", got)
		}
		if got := r.Header.Get("Notion-Version"); got != "2022-06-28" {
			t.Errorf("Notion-Version = %q", got)
		}
		writeJSON(t, w, map[string]any{
			"id":    "collab-db",
			"title": []map[string]any{{"plain_text": "Collaborations"}},
			"properties": map[string]any{
				"협업 제목":       map[string]any{"id": "title", "name": "협업 제목", "type": "title"},
				"message_id": map[string]any{"id": "abc", "name": "message_id", "type": "rich_text"},
				"강도": map[string]any{
					"id": "sel", "name": "강도", "type": "select",
					"select": map[string]any{"options": []map[string]any{
						{"name": "Lead"}, {"name": "Cooperation"},
					}},
				},
			},
		})
	})
	mux.HandleFunc("GET /v1/databases/companies-db", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"id":    "companies-db",
			"title": []map[string]any{{"plain_text": "Companies"}},
			"properties": map[string]any{
				"회사명":      map[string]any{"id": "title", "name": "회사명", "type": "title"},
				"Category": map[string]any{"id": "cat", "name": "Category", "type": "select"},
			},
		})
	})

	a := testAdapter(t, mux)
	schema, err := a.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}

	if schema.Collaborations.Title != "Collaborations" {
		t.Errorf("Collaborations.Title = %q", schema.Collaborations.Title)
	}
	intensity, ok := schema.Collaborations.Properties["강도"]
	if !ok {
		t.Fatal("select property missing from schema")
	}
	if len(intensity.Options) != 2 || intensity.Options[0] != "Lead" {
		t.Errorf("select options = %v", intensity.Options)
	}
	if schema.DiscoveredAt.IsZero() {
		t.Error("DiscoveredAt not set")
	}
}

// TestListCompaniesPagination tests cursor paging and row parsing,
// including rows without a category.
func TestListCompaniesPagination(t *testing.T) {
	page := func(companies []map[string]any, next string) map[string]any {
		resp := map[string]any{"results": companies, "has_more": next != ""}
		if next != "" {
			resp["next_cursor"] = next
		}
		return resp
	}
	row := func(id, name, category string) map[string]any {
		props := map[string]any{
			"회사명": map[string]any{
				"type":  "title",
				"title": []map[string]any{{"plain_text": name}},
			},
		}
		if category != "" {
			props["Category"] = map[string]any{
				"type":   "select",
				"select": map[string]any{"name": category},
			}
		}
		return map[string]any{"id": id, "properties": props}
	}

	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/databases/companies-db/query", func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req wireQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode query request: %v", err)
		}
		switch calls {
		case 1:
			if req.StartCursor != "" {
				t.Errorf("first call cursor = %q, want empty", req.StartCursor)
			}
			writeJSON(t, w, page([]map[string]any{
				row("c1", "웨이크", domain.CompanyCategoryPortfolio),
				row("c2", "본봄컴퍼니", ""),
				row("c3", "", ""), // 이름 없는 행은 제외
			}, "cursor-2"))
		case 2:
			if req.StartCursor != "cursor-2" {
				t.Errorf("second call cursor = %q, want cursor-2", req.StartCursor)
			}
			writeJSON(t, w, page([]map[string]any{
				row("c4", "신세계푸드", domain.CompanyCategoryAffiliate),
			}, ""))
		default:
			t.Fatalf("unexpected call %d", calls)
		}
	})

	a := testAdapter(t, mux)
	companies, err := a.ListCompanies(context.Background())
	if err != nil {
		t.Fatalf("ListCompanies() error = %v", err)
	}

	if len(companies) != 3 {
		t.Fatalf("len(companies) = %d, want 3", len(companies))
	}
	if companies[0].Name != "웨이크" || !companies[0].IsPortfolio() {
		t.Errorf("companies[0] = %+v", companies[0])
	}
	if companies[2].Name != "신세계푸드" || !companies[2].IsAffiliate() {
		t.Errorf("companies[2] = %+v", companies[2])
	}
}

// TestListUsers tests member paging and the person/bot split.
func TestListUsers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"results": []map[string]any{
				{"id": "u1", "name": "김수현", "type": "person", "person": map[string]any{"email": "soo@fund.kr"}},
				{"id": "u2", "name": "integration", "type": "bot"},
			},
			"has_more": false,
		})
	})

	a := testAdapter(t, mux)
	users, err := a.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers() error = %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("len(users) = %d, want 2", len(users))
	}
	if users[0].Type != domain.UserPerson || users[0].Email != "soo@fund.kr" {
		t.Errorf("users[0] = %+v", users[0])
	}
	if users[1].Type != domain.UserBot {
		t.Errorf("users[1].Type = %v, want bot", users[1].Type)
	}
}

// TestFindEntryByMessageID tests the duplicate query filter shape and both
// outcomes.
func TestFindEntryByMessageID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/databases/collab-db/query", func(w http.ResponseWriter, r *http.Request) {
		var req wireQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode query request: %v", err)
		}
		if req.PageSize != 1 {
			t.Errorf("page_size = %d, want 1", req.PageSize)
		}
		prop, _ := req.Filter["property"].(string)
		if prop != "message_id" {
			t.Errorf("filter property = %v, want message_id", prop)
		}
		cond, _ := req.Filter["rich_text"].(map[string]any)
		if cond["equals"] == "known-id" {
			writeJSON(t, w, map[string]any{"results": []map[string]any{{"id": "page-1"}}})
			return
		}
		writeJSON(t, w, map[string]any{"results": []map[string]any{}})
	})

	a := testAdapter(t, mux)

	pageID, found, err := a.FindEntryByMessageID(context.Background(), "known-id")
	if err != nil || !found || pageID != "page-1" {
		t.Errorf("FindEntryByMessageID(known) = %q, %v, %v", pageID, found, err)
	}

	_, found, err = a.FindEntryByMessageID(context.Background(), "unknown-id")
	if err != nil || found {
		t.Errorf("FindEntryByMessageID(unknown) found = %v, err = %v", found, err)
	}
}

// TestCreateAndUpdateEntry tests page creation and patching.
func TestCreateAndUpdateEntry(t *testing.T) {
	var created wireCreatePageRequest
	var updated wireUpdatePageRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/pages", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
			t.Fatalf("decode create request: %v", err)
		}
		writeJSON(t, w, map[string]any{"id": "new-page"})
	})
	mux.HandleFunc("PATCH /v1/pages/new-page", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
			t.Fatalf("decode update request: %v", err)
		}
		writeJSON(t, w, map[string]any{"id": "new-page"})
	})

	a := testAdapter(t, mux)

	props := map[string]any{"message_id": map[string]any{"rich_text": []any{}}}
	pageID, err := a.CreateEntry(context.Background(), props)
	if err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}
	if pageID != "new-page" {
		t.Errorf("pageID = %q, want new-page", pageID)
	}
	if created.Parent["database_id"] != "collab-db" {
		t.Errorf("create parent = %v", created.Parent)
	}

	if err := a.UpdateEntry(context.Background(), "new-page", props); err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	if _, ok := updated.Properties["message_id"]; !ok {
		t.Error("update request missing properties")
	}
}

// TestCreateCompanyDiscoversTitle tests that company auto-creation looks up
// the Companies title property before the first create.
func TestCreateCompanyDiscoversTitle(t *testing.T) {
	var created wireCreatePageRequest
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/databases/companies-db", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"id": "companies-db",
			"properties": map[string]any{
				"회사명": map[string]any{"id": "title", "name": "회사명", "type": "title"},
			},
		})
	})
	mux.HandleFunc("POST /v1/pages", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
			t.Fatalf("decode create request: %v", err)
		}
		writeJSON(t, w, map[string]any{"id": "company-page"})
	})

	a := testAdapter(t, mux)
	pageID, err := a.CreateCompany(context.Background(), "쿠캣")
	if err != nil {
		t.Fatalf("CreateCompany() error = %v", err)
	}
	if pageID != "company-page" {
		t.Errorf("pageID = %q", pageID)
	}
	if created.Parent["database_id"] != "companies-db" {
		t.Errorf("parent = %v", created.Parent)
	}
	if _, ok := created.Properties["회사명"]; !ok {
		t.Errorf("title property not discovered, got %v", created.Properties)
	}
}

// TestErrorMapping tests boundary classification of API failures.
func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		retryAfter   string
		wantCode     string
		wantCategory apperr.Category
	}{
		{"rate limited", http.StatusTooManyRequests, "2", apperr.CodeRateLimited, apperr.CategoryTransient},
		{"server error", http.StatusBadGateway, "", apperr.CodeServiceUnavailable, apperr.CategoryTransient},
		{"bad request", http.StatusBadRequest, "", apperr.CodeBadRequest, apperr.CategoryPermanent},
		{"unauthorized", http.StatusUnauthorized, "", apperr.CodeUnauthorized, apperr.CategoryCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /v1/users", func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				writeJSON(t, w, map[string]any{"code": "some_code", "message": "api says no"})
			})

			a := testAdapter(t, mux)
			_, err := a.ListUsers(context.Background())
			if err == nil {
				t.Fatal("ListUsers() error = nil, want classified failure")
			}

			ae := apperr.AsAppError(err)
			if !apperr.IsAppError(err) {
				t.Fatalf("error type = %T", err)
			}
			if ae.Code != tt.wantCode {
				t.Errorf("Code = %v, want %v", ae.Code, tt.wantCode)
			}
			if ae.Category != tt.wantCategory {
				t.Errorf("Category = %v, want %v", ae.Category, tt.wantCategory)
			}
			if ra, _ := apperr.RetryAfterOf(err); tt.retryAfter != "" && ra != 2*time.Second {
				t.Errorf("RetryAfterOf() = %v, want 2s", ra)
			}
		})
	}
}
