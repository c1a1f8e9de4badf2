package relay

import (
	"log"
	"net/http"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

// joinJS is the join page script, minified once at startup.
var joinJS []byte

func init() {
	raw, err := embedded.ReadFile("assets/join.js")
	if err != nil {
		joinJS = []byte("/* missing join.js */")
		return
	}

	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)

	out, err := m.Bytes("application/javascript", raw)
	if err != nil {
		log.Printf("relay: minify warning: join.js: %v (using original)", err)
		joinJS = raw
		return
	}
	joinJS = out
}

func handleJoinJS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	_, _ = w.Write(joinJS)
}
