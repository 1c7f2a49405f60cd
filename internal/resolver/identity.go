package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

type pocFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type pocListRequest struct {
	Filter []pocFilter `json:"filter"`
}

type pocListResponse struct {
	Data struct {
		Pocs []Identity `json:"pocs"`
	} `json:"data"`
}

// LookupIdentity returns the first POC whose mobile number equals mobile,
// or ErrNoIdentity when there is none.
func (r *Resolver) LookupIdentity(ctx context.Context, mobile string) (*Identity, error) {
	reqBody := pocListRequest{Filter: []pocFilter{{
		Field:    "mobile_number",
		Operator: "equals",
		Value:    mobile,
	}}}

	var resp pocListResponse
	if err := r.doJSON(ctx, "identity", http.MethodPost, r.identityURL+"/poc-details/list", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data.Pocs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentity, mobile)
	}

	poc := resp.Data.Pocs[0]
	slog.Debug("resolver.identity_found", "mobile", mobile, "poc_id", int64(poc.ID), "name", poc.Name)
	return &poc, nil
}
