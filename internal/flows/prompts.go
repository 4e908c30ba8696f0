package flows

import (
	"strings"
	"text/template"
)

const assistantSystem = `You are Harvesta's farming assistant for smallholder farmers and produce buyers in India.
Answer practically, prefer locally available inputs, and never invent prices or government schemes.
Always reply with a single JSON object matching the requested shape and nothing else.`

var prompts = template.Must(template.New("flows").Funcs(template.FuncMap{"join": strings.Join}).Parse(`
{{define "recommend"}}Recommend up to {{.Limit}} crops for this farm.
Soil type: {{.SoilType}}
Region: {{.Region}}
Season: {{.Season}}
{{- if .RainfallMM}}
Expected rainfall: {{.RainfallMM}} mm{{end}}
{{- if .FarmSizeAcres}}
Farm size: {{.FarmSizeAcres}} acres{{end}}
{{- if .Irrigated}}
The farm has irrigation.{{end}}

Reply as {"crops":[{"name":"","reason":"","expected_yield":""}],"notes":""}.{{end}}

{{define "chat"}}{{if .Language}}Reply in {{.Language}}.
{{end}}{{.Message}}

Reply as {"reply":""}.{{end}}

{{define "report"}}Write a short farm report for {{.FarmName}} covering {{.Period}}.
Crops: {{join .Crops ", "}}
{{- if .AreaAcres}}
Cultivated area: {{.AreaAcres}} acres{{end}}
{{- if .Notes}}
Farmer's notes: {{.Notes}}{{end}}

Reply as {"summary":"","highlights":[""],"recommendations":[""]}.{{end}}

{{define "translate"}}Translate the following text to {{.TargetLanguage}}. Keep numbers, units and product names unchanged.

{{.Text}}

Reply as {"text":""}.{{end}}
`))

func render(name string, data any) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
