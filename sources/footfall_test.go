package sources

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const footfallCSV = "LocationID,LocationName,Date,Hour,InCount,Unnamed: 5\n" +
	"cam-1,Market Street,2024-03-17,9,120,x\n" +
	"cam-1,Market Street,2024-03-17,10,150,y\n"

func footfallServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resources": {
			"r1": {"format": "csv", "url": "https://data.example/files/Market%20Street.csv"},
			"r2": {"format": "csv", "url": "https://data.example/files/Camera%20Locations.csv"},
			"r3": {"format": "pdf", "url": "https://data.example/files/Methodology.pdf"}
		}}`)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, footfallCSV)
	})
	return httptest.NewServer(mux)
}

func TestFootfallFetch(t *testing.T) {
	srv := footfallServer(t)
	defer srv.Close()

	src := NewFootfallSource(testClient(), FootfallConfig{
		CatalogURL:   srv.URL + "/catalog",
		DownloadURL:  srv.URL + "/download/{{key}}/{{file_name}}",
		ExcludeFiles: []string{"Camera%20Locations.csv"},
	})

	files, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1, "pdf and excluded resources are skipped")

	f := files[0]
	// Web-encoded spaces become underscores in the stored name.
	assert.Equal(t, "Market_Street.csv", f.Name)
	assert.Equal(t, []byte(footfallCSV), f.Raw)

	// The unnamed spreadsheet artifact column is dropped.
	assert.Equal(t, []string{"LocationID", "LocationName", "Date", "Hour", "InCount"}, f.Batch.Columns)
	require.Len(t, f.Batch.Records, 2)
	assert.Equal(t, "120", f.Batch.Records[0]["InCount"])
	assert.NotContains(t, f.Batch.Records[0], "Unnamed: 5")
}

func TestFootfallFetchTemplatesDownloadURL(t *testing.T) {
	var gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resources": {"abc123": {"format": "CSV", "url": "https://data.example/Foo.csv"}}}`)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, "A,B\n1,2\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewFootfallSource(testClient(), FootfallConfig{
		CatalogURL:  srv.URL + "/catalog",
		DownloadURL: srv.URL + "/download/{{key}}/{{file_name}}",
	})

	files, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/download/abc123/Foo.csv", gotPath)
}

func TestFootfallFetchDownloadFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resources": {"r1": {"format": "csv", "url": "https://data.example/Foo.csv"}}}`)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewFootfallSource(testClient(), FootfallConfig{
		CatalogURL:  srv.URL + "/catalog",
		DownloadURL: srv.URL + "/download/{{key}}/{{file_name}}",
	})

	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Foo.csv")
}

func TestParseCSVRaggedRows(t *testing.T) {
	data := []byte("A,B,C\n1,2,3\n4,5\n")

	batch, err := ParseCSV("footfall", "ragged.csv", data)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "3", batch.Records[0]["C"])
	// Short row: missing trailing cell is simply absent.
	assert.NotContains(t, batch.Records[1], "C")
}
