package handler

import (
	"net/http"

	"github.com/callbridge/pbx-bridge-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}
