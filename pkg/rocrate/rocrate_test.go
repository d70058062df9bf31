// Copyright DOIP Server Authors
// SPDX-License-Identifier: Apache-2.0

package rocrate

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBuild_EmptyURLYieldsMetadataOnlyCrate(t *testing.T) {
	data, err := Build(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != metadataName {
		t.Fatalf("expected only the metadata file, got %v", zr.File)
	}
}

func TestBuild_FetchesContentURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload-bytes"))
	}))
	defer srv.Close()

	data, err := Build(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if len(names) != 2 {
		t.Fatalf("expected metadata + data entries, got %v", names)
	}
}

func TestBuild_UnreachableURLDegradesToMetadataOnly(t *testing.T) {
	data, err := Build(context.Background(), "http://127.0.0.1:0/unreachable")
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("expected degraded metadata-only crate, got %v", zr.File)
	}
}
