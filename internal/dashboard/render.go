package dashboard

import (
	"html/template"
	"io"
)

// certificateTemplate is a self-contained page; html/template escapes
// every interpolated field, so chain-sourced reasons and names cannot
// inject markup.
var certificateTemplate = template.Must(template.New("certificate").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Retirement Certificate {{.ID}}</title>
<style>
  body { font-family: Georgia, serif; max-width: 640px; margin: 48px auto; color: #1a2e24; }
  .card { border: 2px solid #2e5943; border-radius: 12px; padding: 36px 44px; }
  h1 { font-size: 22px; letter-spacing: 1px; text-transform: uppercase; color: #2e5943; }
  .amount { font-size: 40px; margin: 18px 0 4px; }
  .denom { color: #54705f; margin-bottom: 24px; }
  dl { display: grid; grid-template-columns: 140px 1fr; row-gap: 8px; }
  dt { color: #54705f; }
  dd { margin: 0; word-break: break-all; }
  a { color: #2e5943; }
</style>
</head>
<body>
<div class="card">
  <h1>Certificate of Retirement</h1>
  <div class="amount">{{.Amount}}</div>
  <div class="denom">credits from {{.BatchDenom}}</div>
  <dl>
    {{- if .Beneficiary}}{{if .Beneficiary.Name}}
    <dt>Beneficiary</dt><dd>{{.Beneficiary.Name}}</dd>
    {{- end}}{{if .Beneficiary.Email}}
    <dt>Email</dt><dd>{{.Beneficiary.Email}}</dd>
    {{- end}}{{end}}
    <dt>Jurisdiction</dt><dd>{{.Jurisdiction}}</dd>
    {{- if .Reason}}
    <dt>Reason</dt><dd>{{.Reason}}</dd>
    {{- end}}
    <dt>Retired</dt><dd>{{.RetiredAt.Format "January 2, 2006 15:04 UTC"}}</dd>
    <dt>Owner</dt><dd>{{.Owner}}</dd>
    {{- if .TxHash}}
    <dt>Transaction</dt><dd>{{.TxHash}}</dd>
    {{- end}}
    <dt>Certificate ID</dt><dd>{{.ID}}</dd>
  </dl>
  {{- if .MarketplaceURL}}
  <p><a href="{{.MarketplaceURL}}">View the credit batch on the marketplace</a></p>
  {{- end}}
</div>
</body>
</html>
`))

// RenderCertificateHTML writes cert as a standalone HTML page.
func (s *Service) RenderCertificateHTML(w io.Writer, cert *Certificate) error {
	return certificateTemplate.Execute(w, cert)
}
