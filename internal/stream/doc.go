// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes the newline-delimited JSON chat stream produced by
// the model backend into two text channels: the visible answer and the
// model's reasoning.
//
// Reasoning is delimited in the content by the markers <thought> and
// </thought>. Markers may arrive split across frames or across transport
// chunks; the decoder holds back a possible partial marker until it can be
// classified, so decoding a byte stream in one pass or in many smaller
// passes yields the same (answer, reasoning) pair.
//
// # Key Types
//
//   - State: the marker state carried between fragments
//   - Delta: the answer and reasoning text produced by one fragment
//   - Decoder: buffers raw transport chunks into complete lines, parses
//     them and runs Step on each content fragment
//
// # Usage
//
//	dec := stream.NewDecoder()
//	for chunk := range chunks {
//	    for _, d := range dec.Write(chunk) {
//	        answer += d.Answer
//	        reasoning += d.Reasoning
//	    }
//	}
//	for _, d := range dec.Close() {
//	    ...
//	}
package stream
