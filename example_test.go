package nodish_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/nodish/nodish"
)

func ExampleNew() {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello, %q", r.URL.Path)
	}))
	defer backend.Close()
	backendURL, _ := url.Parse(backend.URL)

	logger := zerolog.Nop()
	proxy := httptest.NewServer(nodish.New(nodish.Config{
		Backend: *backendURL,
		Logger:  &logger,
	}))
	defer proxy.Close()

	for _, method := range []string{"GET", "GET", nodish.MethodPurge} {
		req, _ := http.NewRequest(method, proxy.URL+"/", nil)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Println(err)
			return
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		fmt.Println(method, string(body))
	}
	// Output:
	// GET Hello, "/"
	// GET Hello, "/"
	// PURGE Purged
}
