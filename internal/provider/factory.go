package provider

// AnthropicFactory builds AnthropicProvider instances for a configured
// endpoint/key, picking up per-call model and temperature from Create.
type AnthropicFactory struct {
	name    string
	baseURL string
	apiKey  string
	opts    AnthropicOptions
}

func NewAnthropicFactory(name, baseURL, apiKey string, opts AnthropicOptions) *AnthropicFactory {
	return &AnthropicFactory{name: name, baseURL: baseURL, apiKey: apiKey, opts: opts}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	o := f.opts
	o.Temperature = opts.Temperature
	return NewAnthropic(f.name, f.baseURL, f.apiKey, model, o)
}

// OpenAIFactory builds OpenAIProvider instances for a configured
// endpoint/key — covers any OpenAI-compatible backend (local gateway,
// hosted coder endpoint, or OpenAI itself).
type OpenAIFactory struct {
	name    string
	baseURL string
	apiKey  string
}

func NewOpenAIFactory(name, baseURL, apiKey string) *OpenAIFactory {
	return &OpenAIFactory{name: name, baseURL: baseURL, apiKey: apiKey}
}

func (f *OpenAIFactory) Name() string { return f.name }

func (f *OpenAIFactory) Create(model string, opts Options) Provider {
	return NewOpenAI(f.name, f.baseURL, f.apiKey, model, opts.Temperature)
}
