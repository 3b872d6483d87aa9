package filestore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ghostrooms/internal/models"
)

func TestUpload_PutsFileAndReturnsURL(t *testing.T) {
	var gotPath, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", 1024, nil)
	att, err := c.Upload(context.Background(), "my photo (1).png", "image/png", 5, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if gotBody != "hello" || gotType != "image/png" {
		t.Errorf("server got body %q type %q", gotBody, gotType)
	}
	if !strings.HasSuffix(gotPath, "-my_photo__1_.png") {
		t.Errorf("stored path = %q", gotPath)
	}
	if att.URL != srv.URL+gotPath || att.FileName != "my photo (1).png" || att.FileSize != 5 {
		t.Errorf("attachment = %+v", att)
	}
}

func TestUpload_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	c := New(srv.URL, 4, nil)

	if _, err := c.Upload(context.Background(), "a.txt", "text/plain", 5, strings.NewReader("12345")); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized error = %v", err)
	}
	if _, err := c.Upload(context.Background(), "a.txt", "text/plain", 3, strings.NewReader("123")); !errors.Is(err, ErrUpstream) {
		t.Errorf("rejected upload error = %v", err)
	}
}

func TestMessageTypeFor(t *testing.T) {
	if MessageTypeFor("image/jpeg") != models.MessageImage {
		t.Error("image/jpeg should be IMAGE")
	}
	if MessageTypeFor("application/pdf") != models.MessageFile {
		t.Error("application/pdf should be FILE")
	}
}
