package engine

import (
	"github.com/ringo380/inferno/pkg/config"
	"github.com/ringo380/inferno/pkg/flowcontrol"
	"github.com/ringo380/inferno/pkg/queue"
	"github.com/ringo380/inferno/pkg/wire"
)

// flowDropPolicy translates the config file's string-valued drop policy
// into the int-valued enum the flow controller actually switches on.
func flowDropPolicy(p config.DropPolicy) flowcontrol.DropPolicy {
	if p == config.DropPolicyDropOldest {
		return flowcontrol.DropOldest
	}
	return flowcontrol.Slowdown
}

// queueDropPolicy translates the config file's admission policy into the
// queue package's own enum.
func queueDropPolicy(p config.AdmissionPolicy) queue.DropPolicy {
	if p == config.AdmissionShedLowest {
		return queue.DropShedLowest
	}
	return queue.DropReject
}

// allowedEncodings translates the configured compression codec names into
// wire.Encoding values, dropping any name the wire package doesn't
// recognize rather than failing startup over an operator typo.
func allowedEncodings(names []string) []wire.Encoding {
	out := make([]wire.Encoding, 0, len(names))
	for _, n := range names {
		switch n {
		case "gzip":
			out = append(out, wire.EncodingGzip)
		case "deflate":
			out = append(out, wire.EncodingDeflate)
		case "br", "brotli":
			out = append(out, wire.EncodingBrotli)
		case "identity":
			out = append(out, wire.EncodingIdentity)
		}
	}
	return out
}
