package http

import (
	"net/http"
	"strings"

	"policy-engine/internal/app"
	"policy-engine/internal/ports/http/middleware/auth"
	"policy-engine/internal/ports/http/middleware/cors"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type server struct {
	app        *app.App
	httpServer *http.Server
	addr       string
	logger     *zap.Logger
	tokens     *auth.TokenValidator
}

func (ser server) badRequest(w http.ResponseWriter, message string) {
	w.WriteHeader(http.StatusBadRequest)
	if _, err := w.Write([]byte(message)); err != nil {
		ser.logger.Error("failed to write a bad request error message: " + err.Error())
	}
	ser.logger.Warn(message)
}

func (ser server) serverError(w http.ResponseWriter, message string) {
	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(message)); err != nil {
		ser.logger.Error("failed to write a server error message: " + err.Error())
	}
	ser.logger.Error(message)
}

func (ser server) registerHandlers(router *mux.Router) {

	router.HandleFunc("/health", healthcheck)

	router.HandleFunc("/api/policies/{policyID}/validate", ser.validatePolicy).Methods(http.MethodGet)
	router.HandleFunc("/api/policies/{policyID}/start", ser.startPolicy).Methods(http.MethodPost)
	router.HandleFunc("/api/policies/{policyID}/stop", ser.stopPolicy).Methods(http.MethodPost)

	router.HandleFunc("/api/policies/{policyID}/blocks/{tag}", ser.getBlockData).Methods(http.MethodGet)
	router.HandleFunc("/api/policies/{policyID}/blocks/{tag}", ser.setBlockData).Methods(http.MethodPost)

	router.HandleFunc("/api/policies/{policyID}/users/{did}", ser.removeUser).Methods(http.MethodDelete)

}

func healthcheck(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("all good here"))
}

func NewServer(logger *zap.Logger, a *app.App, address string) server {
	return server{
		app:    a,
		addr:   address,
		logger: logger,
	}
}

// WithAuth requires a bearer token on every request and resolves the acting
// user from it.
func (ser server) WithAuth(tokens auth.TokenValidator) server {
	ser.tokens = &tokens
	return ser
}

func (ser server) Run() error {
	router := mux.NewRouter()
	ser.registerHandlers(router)

	var handler http.Handler = router
	if ser.tokens != nil {
		handler = ser.tokens.ValidateSetIdentity(handler)
	}
	ser.httpServer = &http.Server{
		Handler: cors.AddCorsPolicy(handler),
		Addr:    ser.addr,
	}

	return ser.httpServer.ListenAndServe()
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
