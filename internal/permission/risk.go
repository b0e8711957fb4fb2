// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package permission

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// RISK FLAGS
// =============================================================================

// Risk names one risky construct found in a command.
type Risk string

const (
	RiskWrappedShell Risk = "wrapped shell execution"
	RiskBacktick     Risk = "backtick command substitution"
	RiskEval         Risk = "eval-like builtin"
	RiskPipeToShell  Risk = "output piped to a shell"
	RiskDestructive  Risk = "destructive file operation"
	RiskDevice       Risk = "raw device write"
	RiskExfiltration Risk = "data sent to the network"
	RiskPrivilege    Risk = "privilege escalation"
)

type riskRule struct {
	risk     Risk
	patterns []*regexp.Regexp
}

var riskRules = []riskRule{
	{RiskWrappedShell, compile(
		`(?i)\b(ba|z|k|da)?sh\s+-c\b`,
		`(?i)/usr/bin/env\s+(ba)?sh\s+-c\b`,
		`(?i)\b(powershell|pwsh)(\.exe)?\s+.*-(e|enc|encodedcommand|command)\b`,
	)},
	{RiskEval, compile(
		`(?i)\beval\b`,
		`(?i)\bsource\b`,
		`(?i)(^|[;|&]\s*)\.\s+\S`,
	)},
	{RiskPipeToShell, compile(
		`\|\s*(ba|z)?sh\b`,
		`\|\s*eval\b`,
		`(?i)\b(curl|wget)\b.*\|\s*\S*sh\b`,
	)},
	{RiskDestructive, compile(
		`(?i)\brm\s+(-\w*[rf]\w*\s+)+`,
		`(?i)\bmkfs(\.\w+)?\b`,
		`(?i)\bshred\b`,
		`(?i)\bformat\s+[a-z]:`,
		`(?i)\bdel\s+/[sq]\b`,
		`:\(\)\s*\{\s*:\|:&\s*\};:`,
	)},
	{RiskDevice, compile(
		`>\s*/dev/(sd|hd|vd|nvme|xvd)`,
		`(?i)\bof=/dev/`,
	)},
	{RiskExfiltration, compile(
		`(?i)\bcurl\b.*\s(-d|--data(-binary|-raw)?|-F|--form|-T|--upload-file)\b`,
		`(?i)\bwget\b.*--(post-data|post-file|body-data)`,
		`(?i)\b(nc|netcat|ncat)\b.*[<|]`,
		`(?i)\b(base64|xxd|openssl)\b.*\|.*\b(curl|wget|nc|netcat)\b`,
	)},
	{RiskPrivilege, compile(
		`(?i)(^|[;|&]\s*)(sudo|doas|su)\b`,
		`(?i)\bchmod\s+(-\w+\s+)*[0-7]*777\b`,
		`(?i)\bchown\s+(-\w+\s+)*root\b`,
	)},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// Normalize folds unicode lookalikes to their NFKC form so that, for
// example, fullwidth letters match the ASCII patterns.
func Normalize(cmd string) string {
	return strings.TrimSpace(norm.NFKC.String(cmd))
}

// Assess returns the risk flags of cmd in rule order, each at most once.
func Assess(cmd string) []Risk {
	normalized := Normalize(cmd)

	var risks []Risk
	if strings.Contains(normalized, "`") {
		risks = append(risks, RiskBacktick)
	}
	for _, rule := range riskRules {
		for _, re := range rule.patterns {
			if re.MatchString(normalized) {
				risks = append(risks, rule.risk)
				break
			}
		}
	}
	return risks
}
