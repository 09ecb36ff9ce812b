package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briefly/metering/internal/interfaces/http/dto"
)

// HTTPTestCase drives one request through a metering API handler. The
// tenant and user IDs are injected as the JWT claims handlers read, so
// cases exercise tenant-scoped endpoints without minting real tokens.
type HTTPTestCase struct {
	Name           string
	Method         string
	Path           string
	TenantID       uuid.UUID
	UserID         uuid.UUID
	Body           interface{}
	Headers        map[string]string
	ExpectedStatus int
	ExpectedCode   string // expected error code, empty for success paths
	Setup          func(t *testing.T, tc *TestContext)
	Validate       func(t *testing.T, tc *TestContext)
}

// RunHTTPTestCases runs a slice of HTTP test cases against a handler.
func RunHTTPTestCases(t *testing.T, handler gin.HandlerFunc, cases []HTTPTestCase) {
	t.Helper()

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			RunHTTPTestCase(t, handler, tc)
		})
	}
}

// RunHTTPTestCase runs a single HTTP test case.
func RunHTTPTestCase(t *testing.T, handler gin.HandlerFunc, tc HTTPTestCase) {
	t.Helper()

	var body io.Reader
	if tc.Body != nil {
		jsonBody, err := json.Marshal(tc.Body)
		require.NoError(t, err, "Failed to marshal request body")
		body = bytes.NewReader(jsonBody)
	}

	method := tc.Method
	if method == "" {
		method = http.MethodGet
	}
	path := tc.Path
	if path == "" {
		path = "/"
	}
	req := httptest.NewRequest(method, path, body)

	if tc.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range tc.Headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req

	// Authenticated tenant context, the way the JWT middleware leaves it
	if tc.TenantID != uuid.Nil {
		c.Set("jwt_tenant_id", tc.TenantID.String())
	}
	if tc.UserID != uuid.Nil {
		c.Set("jwt_user_id", tc.UserID.String())
	}

	testCtx := &TestContext{Context: c, Recorder: w}
	if tc.Setup != nil {
		tc.Setup(t, testCtx)
	}

	handler(c)

	if tc.ExpectedStatus != 0 {
		assert.Equal(t, tc.ExpectedStatus, w.Code, "Unexpected status code")
	}
	if tc.ExpectedCode != "" {
		AssertErrorResponse(t, testCtx, tc.ExpectedCode)
	}

	if tc.Validate != nil {
		tc.Validate(t, testCtx)
	}
}

// DecodeResponse parses the body as the standard API envelope.
func DecodeResponse(t *testing.T, tc *TestContext) dto.Response {
	t.Helper()

	var resp dto.Response
	err := json.Unmarshal(tc.ResponseBody(), &resp)
	require.NoError(t, err, "Failed to parse API response envelope")
	return resp
}

// DecodeResponseData parses the envelope's data payload into the
// provided type.
func DecodeResponseData[T any](t *testing.T, tc *TestContext) T {
	t.Helper()

	resp := DecodeResponse(t, tc)
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err, "Failed to re-marshal response data")

	var result T
	require.NoError(t, json.Unmarshal(raw, &result), "Failed to parse response data")
	return result
}

// AssertSuccessResponse asserts the response is a successful API response.
func AssertSuccessResponse(t *testing.T, tc *TestContext) {
	t.Helper()

	resp := DecodeResponse(t, tc)
	assert.True(t, resp.Success, "Expected success to be true")
	assert.Nil(t, resp.Error, "Expected no error")
}

// AssertErrorResponse asserts the response is an error with the given code.
func AssertErrorResponse(t *testing.T, tc *TestContext, expectedCode string) {
	t.Helper()

	resp := DecodeResponse(t, tc)
	assert.False(t, resp.Success, "Expected success to be false")
	require.NotNil(t, resp.Error, "Expected error object in response")
	assert.Equal(t, expectedCode, resp.Error.Code, "Unexpected error code")
}

// AssertPaginationMeta asserts the envelope carries the expected
// pagination metadata.
func AssertPaginationMeta(t *testing.T, tc *TestContext, total int64, page, pageSize int) {
	t.Helper()

	resp := DecodeResponse(t, tc)
	require.NotNil(t, resp.Meta, "Expected pagination meta in response")
	assert.Equal(t, total, resp.Meta.Total)
	assert.Equal(t, page, resp.Meta.Page)
	assert.Equal(t, pageSize, resp.Meta.PageSize)
}

// ToJSONReader converts a value to a JSON io.Reader.
func ToJSONReader(t *testing.T, v interface{}) io.Reader {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err, "Failed to marshal to JSON")
	return bytes.NewReader(data)
}
