package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

// DefaultParameters is a small but complete set of simulation settings.
const DefaultParameters = `{"stepsCount":10,"timeStep":60,"gridDensity":"medium"}`

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req    *model.CreateJobRequest
	flight json.RawMessage
}

// NewJobRequest returns a builder for owner 1 with DefaultParameters.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			OwnerID:    1,
			Parameters: json.RawMessage(DefaultParameters),
		},
	}
}

// WithOwner sets the owning user.
func (b *JobRequestBuilder) WithOwner(ownerID int64) *JobRequestBuilder {
	b.req.OwnerID = ownerID
	return b
}

// WithRelatedEntity links the job to a flight record.
func (b *JobRequestBuilder) WithRelatedEntity(id int64) *JobRequestBuilder {
	b.req.RelatedEntityID = &id
	return b
}

// WithParametersString replaces the parameters.
func (b *JobRequestBuilder) WithParametersString(params string) *JobRequestBuilder {
	b.req.Parameters = json.RawMessage(params)
	return b
}

// WithDroneFlight embeds flight input data that must not be stored.
func (b *JobRequestBuilder) WithDroneFlight(flight string) *JobRequestBuilder {
	b.flight = json.RawMessage(flight)
	return b
}

// Build returns the request. Embedded flight data is merged into the parameters.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	out := *b.req
	if b.flight == nil {
		return &out
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out.Parameters, &fields); err != nil {
		panic(fmt.Sprintf("testutil: parameters are not an object: %v", err))
	}
	fields[model.EmbeddedInputKey] = b.flight
	merged, err := json.Marshal(fields)
	if err != nil {
		panic(fmt.Sprintf("testutil: marshal parameters: %v", err))
	}
	out.Parameters = merged
	return &out
}

// CompletedReply returns a worker reply body for a completed two-box simulation.
// With steps set, per-step snapshots are included and one value is a bare NaN.
func CompletedReply(steps bool) []byte {
	stepsField := ""
	if steps {
		stepsField = `,"steps":{"0":{"CO":[0.1,NaN]},"1":{"CO":[0.2,0.3]}}`
	}
	return []byte(`{"status":"completed","result":{` +
		`"grid":{"boxes":[{"lat_min":50.0,"lat_max":50.1,"lon_min":19.9,"lon_max":20.0},` +
		`{"lat_min":50.1,"lat_max":50.2,"lon_min":19.9,"lon_max":20.0}]},` +
		`"pollutants":{"final_step":{"CO":[0.5,0.6],"NO2":[NaN,0.01]}` + stepsField + `},` +
		`"environment":{"temperature":[288.1,288.4],"pressure":[101325,101300]}}}`)
}

// StatusReply returns a worker reply carrying only a status.
func StatusReply(status model.JobStatus) []byte {
	return []byte(fmt.Sprintf(`{"status":%q}`, status))
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}

// StatusPtr returns a pointer to s.
func StatusPtr(s model.JobStatus) *model.JobStatus {
	return &s
}
