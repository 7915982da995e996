package validator

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-runtime/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindAnswers(t *testing.T, body string) (model.AnswersRequest, map[string]string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	Setup()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPatch, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")

	var req model.AnswersRequest
	return req, Bind(c, &req)
}

func TestBind_Answers(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
		msg   string
	}{
		{"valid", `{"answers":{"q1":"a","q2":["x"]}}`, "", ""},
		{"empty map", `{"answers":{}}`, "", ""},
		{"missing", `{}`, "answers", "answers is a required field"},
		{"blank key", `{"answers":{" ":"a"}}`, "answers", "answers must not contain empty keys"},
		{"syntax", `{"answers":`, "detail", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, fields := bindAnswers(t, tc.body)
			if tc.field == "" {
				assert.Nil(t, fields)
				return
			}
			require.Contains(t, fields, tc.field)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, fields[tc.field])
			}
		})
	}
}

func TestBindForm_UsesFormTagNames(t *testing.T) {
	gin.SetMode(gin.TestMode)
	Setup()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", &buf)
	c.Request.Header.Set("Content-Type", mw.FormDataContentType())

	var form struct {
		QuestionID string `form:"questionId" binding:"required"`
	}
	fields := BindForm(c, &form)
	require.Contains(t, fields, "questionId")
	assert.Equal(t, "questionId is a required field", fields["questionId"])
}
