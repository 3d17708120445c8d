// Package assettest provides an in-memory asset API for tests.
package assettest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"carryover/internal/asset"
)

const DataPath = "/rest-1.v1/Data"

// Call records one request received by the server.
type Call struct {
	Method string
	Path   string
	Query  string
	Op     string
	Body   string
}

// Created records one create request.
type Created struct {
	Ref        string
	Type       string
	Attributes map[string]asset.Mutation
}

// Server is a fake asset API. Seed assets with Put, then point a client at URL.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	assets  map[string]map[string]any
	nextID  int
	calls   []Call
	created []Created

	// UnknownFields makes any read selecting one of these names fail with
	// a 400 naming the field.
	UnknownFields []string
	// DropConn lists refs whose reads are answered by closing the connection.
	DropConn map[string]bool
	// FailOp lists refs whose named operations fail.
	FailOp map[string]bool
	// FailQuery lists asset types whose collection reads fail.
	FailQuery map[string]bool
	// FailCreate rejects matching creates.
	FailCreate func(assetType string, attrs map[string]asset.Mutation) bool
	// NoContentOps answers successful named operations with 204.
	NoContentOps bool
	// NoContentCreates answers accepted creates with 204 and no id.
	NoContentCreates bool
}

func New() *Server {
	s := &Server{
		assets:    map[string]map[string]any{},
		nextID:    9000,
		DropConn:  map[string]bool{},
		FailOp:    map[string]bool{},
		FailQuery: map[string]bool{},
	}
	r := chi.NewRouter()
	r.Route(DataPath, func(r chi.Router) {
		r.Get("/{type}", s.handleQuery)
		r.Post("/{type}", s.handleCreate)
		r.Get("/{type}/{id}", s.handleGet)
		r.Post("/{type}/{id}", s.handleOperation)
	})
	s.Server = httptest.NewServer(s.record(r))
	return s
}

// Put stores an asset. Values use wire shapes: strings and numbers,
// {"idref": "..."} maps or slices of them, string slices for tags.
func (s *Server) Put(ref string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	s.assets[ref] = cp
}

// Attr returns a stored attribute value.
func (s *Server) Attr(ref, name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets[ref][name]
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsFor returns calls whose path ends with the given "<Type>/<id>" or type.
func (s *Server) CallsFor(suffix string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if strings.HasSuffix(c.Path, "/"+suffix) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) Created() []Created {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Created(nil), s.created...)
}

// CreatedOfType filters Created by asset type.
func (s *Server) CreatedOfType(assetType string) []Created {
	var out []Created
	for _, c := range s.Created() {
		if c.Type == assetType {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Op:     r.URL.Query().Get("op"),
			Body:   string(body),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "type") + ":" + chi.URLParam(r, "id")
	s.mu.Lock()
	drop := s.DropConn[ref]
	s.mu.Unlock()
	if drop {
		dropConnection(w)
		return
	}
	if field, ok := s.unknownField(r); ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid selection",
			"details": fmt.Sprintf("Unknown AttributeDefinition: %s.%s", chi.URLParam(r, "type"), field),
		})
		return
	}
	s.mu.Lock()
	attrs, ok := s.assets[ref]
	var out map[string]any
	if ok {
		out = encodeAsset(ref, attrs, selection(r))
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"Exception": map[string]any{"Message": "Asset not found: " + ref}})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	assetType := chi.URLParam(r, "type")
	s.mu.Lock()
	fail := s.FailQuery[assetType]
	s.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "query failed for " + assetType})
		return
	}
	filters := parseWhere(r.URL.Query().Get("where"))
	sel := selection(r)
	s.mu.Lock()
	var refs []string
	for ref := range s.assets {
		if strings.HasPrefix(ref, assetType+":") {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refNum(refs[i]) < refNum(refs[j]) })
	var out []map[string]any
	for _, ref := range refs {
		attrs := s.assets[ref]
		if !matches(attrs, filters) {
			continue
		}
		out = append(out, encodeAsset(ref, attrs, sel))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"_type": "Assets", "total": len(out), "Assets": out})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	assetType := chi.URLParam(r, "type")
	var body struct {
		Attributes map[string]asset.Mutation `json:"Attributes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Bad Request", "details": err.Error()})
		return
	}
	if s.FailCreate != nil && s.FailCreate(assetType, body.Attributes) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"Exception": map[string]any{"Message": "create rejected"}})
		return
	}
	s.mu.Lock()
	if s.NoContentCreates {
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.nextID++
	ref := fmt.Sprintf("%s:%d", assetType, s.nextID)
	stored := map[string]any{}
	for name, m := range body.Attributes {
		stored[name] = storedValue(m.Value)
	}
	s.assets[ref] = stored
	s.created = append(s.created, Created{Ref: ref, Type: assetType, Attributes: body.Attributes})
	moment := strconv.Itoa(s.nextID * 10)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"_type": "Asset", "id": ref + ":" + moment})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "type") + ":" + chi.URLParam(r, "id")
	op := r.URL.Query().Get("op")
	if op == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Bad Request", "details": "op is required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.assets[ref]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"Exception": map[string]any{"Message": "Asset not found: " + ref}})
		return
	}
	if s.FailOp[ref] {
		writeJSON(w, http.StatusConflict, map[string]any{"message": fmt.Sprintf("operation %s not valid for %s", op, ref)})
		return
	}
	if op == "Close" || op == "QuickClose" {
		attrs["AssetState"] = "128"
	}
	if s.NoContentOps {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"_type": "Asset", "id": ref})
}

func (s *Server) unknownField(r *http.Request) (string, bool) {
	for _, f := range selection(r) {
		for _, u := range s.UnknownFields {
			if f == u {
				return f, true
			}
		}
	}
	return "", false
}

func selection(r *http.Request) []string {
	sel := r.URL.Query().Get("sel")
	if sel == "" {
		return nil
	}
	return strings.Split(sel, ",")
}

func encodeAsset(ref string, attrs map[string]any, sel []string) map[string]any {
	names := sel
	if len(names) == 0 {
		for k := range attrs {
			names = append(names, k)
		}
	}
	out := map[string]any{}
	for _, name := range names {
		v, ok := attrs[name]
		if !ok {
			v = nil
		}
		out[name] = map[string]any{"_type": "Attribute", "name": name, "value": v}
	}
	return map[string]any{"_type": "Asset", "id": ref, "Attributes": out}
}

// storedValue turns an outbound mutation value back into a wire value.
func storedValue(v any) any {
	switch t := v.(type) {
	case string:
		if looksLikeRef(t) {
			return map[string]any{"idref": t}
		}
		return t
	case []any:
		out := make([]any, 0, len(t))
		for _, it := range t {
			switch e := it.(type) {
			case string:
				if looksLikeRef(e) {
					out = append(out, map[string]any{"idref": e})
				} else {
					out = append(out, e)
				}
			case map[string]any:
				out = append(out, map[string]any{"idref": e["idref"]})
			default:
				out = append(out, e)
			}
		}
		return out
	default:
		return v
	}
}

func looksLikeRef(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	_, err := strconv.Atoi(parts[1])
	return err == nil
}

type filter struct {
	attr   string
	value  string
	negate bool
}

func parseWhere(where string) []filter {
	var out []filter
	for _, clause := range strings.Split(where, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		f := filter{}
		op := "="
		if strings.Contains(clause, "!=") {
			op = "!="
			f.negate = true
		}
		parts := strings.SplitN(clause, op, 2)
		if len(parts) != 2 {
			continue
		}
		f.attr = strings.TrimSpace(parts[0])
		f.value = strings.Trim(strings.TrimSpace(parts[1]), "'")
		out = append(out, f)
	}
	return out
}

func matches(attrs map[string]any, filters []filter) bool {
	for _, f := range filters {
		eq := valueText(attrs[f.attr]) == f.value
		if eq == f.negate {
			return false
		}
	}
	return true
}

func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		s, _ := t["idref"].(string)
		return s
	default:
		return fmt.Sprint(t)
	}
}

func refNum(ref string) int {
	i := strings.LastIndex(ref, ":")
	n, _ := strconv.Atoi(ref[i+1:])
	return n
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
