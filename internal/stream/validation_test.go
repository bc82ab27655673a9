package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRequestHeaders(t *testing.T) {
	base := [][2]string{
		{":method", "POST"},
		{":scheme", "https"},
		{":path", "/abort"},
		{":authority", "localhost"},
	}

	tests := []struct {
		name    string
		headers [][2]string
		wantErr bool
	}{
		{"valid", base, false},
		{"valid with regular", append(append([][2]string{}, base...), [2]string{"content-type", "text/plain"}), false},
		{"te trailers", append(append([][2]string{}, base...), [2]string{"te", "trailers"}), false},
		{"te gzip", append(append([][2]string{}, base...), [2]string{"te", "gzip"}), true},
		{"uppercase", append(append([][2]string{}, base...), [2]string{"Content-Type", "x"}), true},
		{"connection header", append(append([][2]string{}, base...), [2]string{"connection", "close"}), true},
		{"pseudo after regular", [][2]string{{":method", "GET"}, {"accept", "*/*"}, {":scheme", "https"}, {":path", "/"}}, true},
		{"duplicate pseudo", [][2]string{{":method", "GET"}, {":method", "GET"}, {":scheme", "https"}, {":path", "/"}}, true},
		{"unknown pseudo", [][2]string{{":method", "GET"}, {":scheme", "https"}, {":path", "/"}, {":status", "200"}}, true},
		{"empty path", [][2]string{{":method", "GET"}, {":scheme", "https"}, {":path", ""}}, true},
		{"missing method", [][2]string{{":scheme", "https"}, {":path", "/"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequestHeaders(tt.headers)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTrailerHeaders(t *testing.T) {
	assert.NoError(t, ValidateTrailerHeaders([][2]string{{"x-checksum", "abc"}}))
	assert.Error(t, ValidateTrailerHeaders([][2]string{{":path", "/"}}))
	assert.Error(t, ValidateTrailerHeaders([][2]string{{"transfer-encoding", "chunked"}}))
}
