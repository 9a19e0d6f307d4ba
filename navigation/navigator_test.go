package navigation

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	u, _ := url.Parse("/order/X?vnp_ResponseCode=00")
	r := NewRecorder(u)

	cur := r.Current()
	cur.RawQuery = ""
	assert.Equal(t, "/order/X?vnp_ResponseCode=00", r.Current().String())
	assert.False(t, r.Replaced())

	r.Replace(&url.URL{Path: "/order/X"})
	assert.Equal(t, "/order/X", r.Current().String())
	assert.True(t, r.Replaced())

	r.Assign("https://pay.example.com/x")
	assert.Equal(t, "https://pay.example.com/x", r.Assigned())
}
