package config

import "testing"

func TestConfig_MaxUploadBytes(t *testing.T) {
	tests := []struct {
		name    string
		size    string
		want    int64
		wantErr bool
	}{
		{name: "default", size: "", want: 500 * 1024 * 1024},
		{name: "500MiB", size: "500MiB", want: 500 * 1024 * 1024},
		{name: "1GiB", size: "1GiB", want: 1024 * 1024 * 1024},
		{name: "bytes", size: "2B", want: 2},
		{name: "invalid", size: "lots", wantErr: true},
		{name: "zero", size: "0B", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Server: ServerConfig{MaxUploadSize: tt.size}}
			got, err := c.MaxUploadBytes()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.MaxUploadBytes() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("Config.MaxUploadBytes() = %v, want %v", got, tt.want)
			}
		})
	}
}
