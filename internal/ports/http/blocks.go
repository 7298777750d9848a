package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"policy-engine/internal/engine"
	"policy-engine/internal/ports/http/middleware/auth"

	"github.com/gorilla/mux"
)

func (ser server) getBlockData(w http.ResponseWriter, r *http.Request) {
	policyID, tag, did, err := ser.readBlockParams(r)
	if err != nil {
		ser.badRequest(w, err.Error())
		return
	}
	ser.logger.Debug("getting block data, policy {" + policyID + "}, tag {" + tag + "}")

	data, err := ser.app.GetBlockData(r.Context(), policyID, tag, did)
	if err != nil {
		ser.serverError(w, "getting the block data failed: "+err.Error())
		return
	}
	ser.respondJSON(w, data)
}

func (ser server) setBlockData(w http.ResponseWriter, r *http.Request) {
	policyID, tag, did, err := ser.readBlockParams(r)
	if err != nil {
		ser.badRequest(w, err.Error())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		ser.badRequest(w, "failed to read the request body: "+err.Error())
		return
	}
	var data map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			ser.badRequest(w, "the request body is not a JSON object: "+err.Error())
			return
		}
	}

	result, err := ser.app.SetBlockData(r.Context(), policyID, tag, did, data)
	if err != nil {
		var blockErr *engine.BlockError
		if errors.As(err, &blockErr) {
			ser.badRequest(w, blockErr.Error())
			return
		}
		ser.serverError(w, "the block action failed: "+err.Error())
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ser.respondJSON(w, result)
}

// readBlockParams resolves the target block and the acting user. The DID
// comes from the verified auth token when present, from the did query
// parameter otherwise.
func (ser server) readBlockParams(r *http.Request) (policyID, tag, did string, err error) {
	params := mux.Vars(r)
	policyID = normalize(params["policyID"])
	tag = normalize(params["tag"])

	did = auth.UserDID(r.Context())
	if did == "" {
		did = normalize(r.URL.Query().Get("did"))
	}

	if policyID == "" || tag == "" {
		err = errors.New("both policyID and tag need to be given")
		return
	}
	if did == "" {
		err = errors.New("the acting user did needs to be given")
	}
	return
}

func (ser server) respondJSON(w http.ResponseWriter, data map[string]interface{}) {
	response, err := json.Marshal(data)
	if err != nil {
		ser.serverError(w, "marshalling the response failed: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(response); err != nil {
		ser.logger.Error("failed to write the response: " + err.Error())
	}
}
