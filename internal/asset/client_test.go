package asset_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carryover/internal/asset"
	"carryover/internal/domain"
)

func TestGetDecodesAttributes(t *testing.T) {
	var gotAuth, gotSel, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSel = r.URL.Query().Get("sel")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"id":"Story:501:3001","Attributes":{
			"Name":{"name":"Name","value":"Checkout"},
			"Super":{"name":"Super","value":{"idref":"Epic:7"}},
			"Owners":{"name":"Owners","value":[{"idref":"Member:1"},{"idref":null}]},
			"TaggedWith":{"name":"TaggedWith","value":["a","b"]},
			"Priority":{"name":"Priority","value":null},
			"Estimate":{"name":"Estimate","value":3}
		}}`))
	}))
	defer srv.Close()

	c := asset.New(srv.URL, "Bearer abc")
	e, err := c.Get(context.Background(), domain.MustRef("Story:501"), []string{"Name", "Super"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "Name,Super", gotSel)
	assert.Equal(t, "/rest-1.v1/Data/Story/501", gotPath)

	assert.Equal(t, domain.MustRef("Story:501"), e.Ref)
	assert.Equal(t, "Checkout", e.Text("Name"))
	super, _ := e.Attr("Super")
	assert.Equal(t, []domain.EntityRef{domain.MustRef("Epic:7")}, super.Refs())
	owners, _ := e.Attr("Owners")
	assert.Equal(t, []domain.EntityRef{domain.MustRef("Member:1")}, owners.Refs())
	tags, _ := e.Attr("TaggedWith")
	assert.Equal(t, []string{"a", "b"}, tags.Strings())
	prio, ok := e.Attr("Priority")
	assert.True(t, ok)
	assert.True(t, prio.IsNull())
	est, _ := e.Attr("Estimate")
	assert.Equal(t, float64(3), est.Scalar())
}

func TestErrorShapes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message", http.StatusBadRequest, `{"message":"Unknown field Foo"}`, "Unknown field Foo"},
		{"exception", http.StatusBadRequest, `{"Exception":{"Message":"Invalid token"}}`, "Invalid token"},
		{"error with details", http.StatusBadRequest, `{"error":"Invalid attribute","details":"Estimate"}`, "Invalid attribute: Estimate"},
		{"error only", http.StatusConflict, `{"error":"locked"}`, "locked"},
		{"plain text", http.StatusNotFound, `not here`, "404 Not Found"},
		{"empty", http.StatusInternalServerError, ``, "500 Internal Server Error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := asset.New(srv.URL, "").Get(context.Background(), domain.MustRef("Story:1"), nil)
			var ae *asset.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tc.status, ae.Status)
			assert.Equal(t, tc.want, ae.Message)
			assert.True(t, asset.IsAPI(err))
			assert.False(t, asset.IsTransport(err))
		})
	}
}

func TestTransportErrorHasStatusZero(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := asset.New("http://"+addr, "")
	c.Timeout = time.Second
	_, err = c.Get(context.Background(), domain.MustRef("Story:1"), nil)
	var ae *asset.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 0, ae.Status)
	assert.True(t, asset.IsTransport(err))
	assert.Contains(t, err.Error(), "transport error")
}

func TestOperationAcceptsNoContent(t *testing.T) {
	var gotOp, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOp = r.URL.Query().Get("op")
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := asset.New(srv.URL, "").Operation(context.Background(), domain.MustRef("Story:501"), "Close")
	require.NoError(t, err)
	assert.Equal(t, "Close", gotOp)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestProxyForwardsTarget(t *testing.T) {
	var headers http.Header
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_, _ = w.Write([]byte(`{"Assets":[]}`))
	}))
	defer proxy.Close()

	c := asset.New("https://tracker.example.com/instance", "Bearer abc")
	c.ProxyURL = proxy.URL
	items, err := c.Query(context.Background(), "Timebox", asset.Query{Where: "State.Code='ACTV'"})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, "https://tracker.example.com/instance", headers.Get(asset.HeaderTargetBaseURL))
	assert.Equal(t, "Bearer abc", headers.Get(asset.HeaderTargetAuth))
	assert.Empty(t, headers.Get("Authorization"))
}

func TestCreateDropsMomentAndSendsOrderedPayload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		body = raw
		_, _ = w.Write([]byte(`{"id":"Story:9001:90010"}`))
	}))
	defer srv.Close()

	p := asset.NewPayload().
		Set("Name", "Checkout").
		Set("Timebox", "Timebox:9").
		Add("Owners", asset.RelationValue([]domain.EntityRef{domain.MustRef("Member:1"), domain.MustRef("Member:2")}))
	ref, err := asset.New(srv.URL, "").Create(context.Background(), "Story", p)
	require.NoError(t, err)
	assert.Equal(t, domain.MustRef("Story:9001"), ref)
	assert.Equal(t,
		`{"Attributes":{"Name":{"act":"set","value":"Checkout"},"Timebox":{"act":"set","value":"Timebox:9"},"Owners":{"act":"add","value":["Member:1","Member:2"]}}}`,
		string(body))
}

func TestCreateWithoutIDIsAPIError(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"no content", http.StatusNoContent, ""},
		{"empty object", http.StatusOK, `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := asset.New(srv.URL, "").Create(context.Background(), "Story", asset.NewPayload().Set("Name", "x"))
			var ae *asset.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tc.status, ae.Status)
			assert.Equal(t, "create returned no id", ae.Message)
			assert.True(t, asset.IsAPI(err))
		})
	}
}

func TestReadRetriesTransportErrorsOnly(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("hijack unsupported")
				return
			}
			conn, _, _ := hj.Hijack()
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte(`{"id":"Story:1","Attributes":{}}`))
	}))
	defer srv.Close()

	c := asset.New(srv.URL, "")
	c.ReadRetries = 2
	_, err := c.Get(context.Background(), domain.MustRef("Story:1"), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))

	atomic.StoreInt32(&attempts, 0)
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()
	c = asset.New(notFound.URL, "")
	c.ReadRetries = 2
	_, err = c.Get(context.Background(), domain.MustRef("Story:1"), nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "", asset.MessageOf(nil))
	assert.Equal(t, "boom", asset.MessageOf(errors.New("boom")))
	assert.Equal(t, "Invalid token", asset.MessageOf(&asset.Error{Status: 401, Message: "Invalid token"}))
}

func TestDecodeValue(t *testing.T) {
	cases := []struct {
		raw  string
		want func(domain.AttributeValue) any
		exp  any
	}{
		{`null`, func(v domain.AttributeValue) any { return v.IsNull() }, true},
		{`"x"`, func(v domain.AttributeValue) any { return v.Scalar() }, "x"},
		{`true`, func(v domain.AttributeValue) any { return v.Scalar() }, true},
		{`{"idref":"Member:1"}`, func(v domain.AttributeValue) any { return v.Refs() }, []domain.EntityRef{domain.MustRef("Member:1")}},
		{`[]`, func(v domain.AttributeValue) any { return v.IsRelation() }, true},
		{`[{"idref":"Defect:3"},{"idref":"Defect:4"}]`, func(v domain.AttributeValue) any { return len(v.Refs()) }, 2},
		{`["a", null, 3]`, func(v domain.AttributeValue) any { return v.Strings() }, []string{"a", "3"}},
	}
	for _, tc := range cases {
		got := tc.want(asset.DecodeValue(json.RawMessage(tc.raw)))
		if diff := cmp.Diff(tc.exp, got); diff != "" {
			t.Errorf("DecodeValue(%s) mismatch (-want +got):\n%s", tc.raw, diff)
		}
	}
}
