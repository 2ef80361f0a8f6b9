package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:          "~/.mri",
			LogLevel:         "info",
			DefaultResponder: "gemini",
		},
		Responders: map[string]ResponderConfig{
			"gemini": {
				Enabled: true,
				Mode:    "api",
				APIBase: "https://generativelanguage.googleapis.com",
				Model:   "gemini-1.5-flash",
			},
			"gemini-web": {
				Enabled: false,
				Mode:    "browser",
			},
		},
		Inference: InferenceConfig{
			URL:            "http://127.0.0.1:5000",
			TimeoutSeconds: 60,
		},
		Speech: SpeechConfig{
			Enabled:         false,
			APIBase:         "https://api.openai.com",
			TranscribeModel: "whisper-1",
			SpeechModel:     "tts-1",
			Voice:           "alloy",
		},
		Session: SessionConfig{
			DBPath:        "~/.mri/sessions.db",
			RetentionDays: 365,
			BusBuffer:     100,
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8081,
			},
			CLI: CLIConfig{
				Enabled:      true,
				TypewriterMS: 15,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
