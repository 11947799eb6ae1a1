package mirror

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func testServer(t *testing.T) (*Store, *httptest.Server) {
	t.Helper()
	store := newTestStore(t)
	for _, p := range [][2]string{{"serde", "1.0.0"}, {"abc", "0.1.0"}} {
		d := testDescriptor(t, p[0], p[1])
		if _, err := store.Commit(d, bytes.NewReader(testArchive(p[0], p[1]))); err != nil {
			t.Fatal(err)
		}
	}
	server := httptest.NewServer(NewServer(store, "https://mirror.example.com/"))
	t.Cleanup(server.Close)
	return store, server
}

func get(t *testing.T, url string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestServeConfig(t *testing.T) {
	t.Parallel()

	_, server := testServer(t)
	resp, body := get(t, server.URL+"/index/config.json", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf(`status = %d`, resp.StatusCode)
	}

	var config map[string]any
	if err := json.Unmarshal(body, &config); err != nil {
		t.Fatal(err)
	}
	if config["dl"] != "https://mirror.example.com/{crate}-{version}.crate" {
		t.Errorf(`dl = %v`, config["dl"])
	}
	if api, ok := config["api"]; !ok || api != nil {
		t.Errorf(`api = %v`, api)
	}

	resp, _ = get(t, server.URL+"/index/config.json", map[string]string{"If-None-Match": resp.Header.Get("ETag")})
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf(`status with matching ETag = %d`, resp.StatusCode)
	}
}

func TestServeIndex(t *testing.T) {
	t.Parallel()

	store, server := testServer(t)
	want, err := os.ReadFile(store.IndexPath("serde"))
	if err != nil {
		t.Fatal(err)
	}

	resp, body := get(t, server.URL+"/index/se/rd/serde", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf(`status = %d`, resp.StatusCode)
	}
	if !bytes.Equal(body, want) {
		t.Errorf("body = %q, want %q", body, want)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal(`no ETag`)
	}

	resp, _ = get(t, server.URL+"/index/se/rd/serde", map[string]string{"If-None-Match": etag})
	if resp.StatusCode != http.StatusNotModified {
		t.Errorf(`status with matching ETag = %d`, resp.StatusCode)
	}

	resp, _ = get(t, server.URL+"/index/3/a/abc", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf(`status of short name = %d`, resp.StatusCode)
	}
}

func TestServeArchive(t *testing.T) {
	t.Parallel()

	_, server := testServer(t)
	resp, body := get(t, server.URL+"/serde-1.0.0.crate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf(`status = %d`, resp.StatusCode)
	}
	if !bytes.Equal(body, testArchive("serde", "1.0.0")) {
		t.Error(`archive content differs`)
	}
}

func TestServeNotFound(t *testing.T) {
	t.Parallel()

	store, server := testServer(t)
	secret := filepath.Join(store.Dir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}

	paths := []string{
		"/index/se/rd/missing",
		"/index/xx/yy/serde",
		"/index/../secret.txt",
		"/index/se/rd/%2e%2e%2fsecret.txt",
		"/secret.txt",
		"/missing-1.0.0.crate",
		"/.lock",
		"/config.json",
	}
	for _, p := range paths {
		resp, _ := get(t, server.URL+p, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf(`GET %s = %d, want 404`, p, resp.StatusCode)
		}
	}

	resp, err := http.Post(server.URL+"/serde-1.0.0.crate", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error(`POST was accepted`)
	}
}
