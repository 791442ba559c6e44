package dingtalk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSigned(t *testing.T) {
	t.Parallel()

	var gotQuery map[string]string
	var gotBody markdownRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"access_token": r.URL.Query().Get("access_token"),
			"timestamp":    r.URL.Query().Get("timestamp"),
			"sign":         r.URL.Query().Get("sign"),
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.URL+"/robot/send?access_token=abc", "SECxyz", srv.Client())
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	resp, err := c.Send(context.Background(), Message{Title: "limit up", Text: "**sh600000**"})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ErrCode)
	assert.False(t, resp.Throttled())

	mac := hmac.New(sha256.New, []byte("SECxyz"))
	mac.Write([]byte("1700000000000\nSECxyz"))
	assert.Equal(t, "abc", gotQuery["access_token"])
	assert.Equal(t, "1700000000000", gotQuery["timestamp"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), gotQuery["sign"])
	assert.Equal(t, "markdown", gotBody.MsgType)
	assert.Equal(t, "limit up", gotBody.Markdown.Title)
}

func TestSendUnsignedAndErrcodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("sign"))
		_, _ = w.Write([]byte(`{"errcode":130101,"errmsg":"send too fast"}`))
	}))
	defer srv.Close()

	resp, err := NewClientWithHTTP(srv.URL, "", srv.Client()).Send(context.Background(), Message{Title: "t", Text: "m"})
	require.NoError(t, err, "robot errcodes are not transport errors")
	assert.Equal(t, ErrCodeTooFast, resp.ErrCode)
	assert.True(t, resp.Throttled())
}

func TestSendErrors(t *testing.T) {
	t.Parallel()

	_, err := NewClient("", "", 0).Send(context.Background(), Message{Title: "t", Text: "m"})
	assert.Error(t, err)
	assert.False(t, NewClient("", "", 0).Enabled())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err = NewClientWithHTTP(srv.URL, "", srv.Client()).Send(context.Background(), Message{Title: "t", Text: "m"})
	assert.Error(t, err)

	_, err = NewClientWithHTTP("://bad", "SEC", nil).Send(context.Background(), Message{Title: "t"})
	assert.Error(t, err)
}

func TestLimitMessage(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 14, 9, 31, 5, 0, time.FixedZone("CST", 8*3600))
	msg := LimitMessage([]LimitNotice{
		{Symbol: "sh600000", Name: "浦发银行", Price: decimal.RequireFromString("11"), Limit: decimal.RequireFromString("11"), Percent: decimal.RequireFromString("10"), At: at},
		{Symbol: "sz300750", Down: true, Price: decimal.RequireFromString("160"), Limit: decimal.RequireFromString("160"), Percent: decimal.RequireFromString("-20"), At: at},
	})
	assert.Equal(t, "Limit Up 浦发银行 (+1)", msg.Title)
	assert.Contains(t, msg.Text, "<font color=#E53935>Limit Up 浦发银行</font>")
	assert.Contains(t, msg.Text, "Limit Down sz300750", "symbol stands in for a missing name")
	assert.Contains(t, msg.Text, "price 160.00, limit 160.00, change -20.00%, at 09:31:05")

	assert.Equal(t, "Limit Down sz300750", LimitMessage([]LimitNotice{{Symbol: "sz300750", Down: true}}).Title)
	assert.Equal(t, Message{}, LimitMessage(nil))
}
