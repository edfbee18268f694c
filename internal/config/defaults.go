package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			UploadPath:     "/api/upload",
			TimeoutSeconds: 60,
		},
		Surface: SurfaceConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			ClearOnSend:    true,
			MaxImageWidth:  800,
			MaxImageHeight: 800,
		},
		Indexing: IndexingConfig{
			PollIntervalMs: 2000,
		},
		Storage: StorageConfig{
			Enabled: true,
			DBPath:  "~/.chatsurface/uploads.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Filters: FiltersConfig{},
	}
}
