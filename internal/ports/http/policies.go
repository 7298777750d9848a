package http

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (ser server) validatePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := normalize(mux.Vars(r)["policyID"])
	if policyID == "" {
		ser.badRequest(w, "policyID is missing")
		return
	}

	report, err := ser.app.ValidatePolicy(r.Context(), policyID)
	if err != nil {
		ser.serverError(w, "validating the policy failed: "+err.Error())
		return
	}

	response, err := json.Marshal(report)
	if err != nil {
		ser.serverError(w, "marshalling the response failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(response); err != nil {
		ser.logger.Error("failed to write the response: " + err.Error())
	}
}

func (ser server) startPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := normalize(mux.Vars(r)["policyID"])
	if policyID == "" {
		ser.badRequest(w, "policyID is missing")
		return
	}

	ser.logger.Info("starting policy", zap.String("policyId", policyID))
	if err := ser.app.StartPolicy(r.Context(), policyID); err != nil {
		ser.serverError(w, "starting the policy failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (ser server) stopPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := normalize(mux.Vars(r)["policyID"])
	if policyID == "" {
		ser.badRequest(w, "policyID is missing")
		return
	}

	ser.logger.Info("stopping policy", zap.String("policyId", policyID))
	if err := ser.app.StopPolicy(r.Context(), policyID); err != nil {
		ser.serverError(w, "stopping the policy failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (ser server) removeUser(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	policyID := normalize(params["policyID"])
	did := normalize(params["did"])
	if policyID == "" || did == "" {
		ser.badRequest(w, "both policyID and did need to be given")
		return
	}

	if err := ser.app.RemoveUser(r.Context(), policyID, did); err != nil {
		ser.serverError(w, "removing the user failed: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
