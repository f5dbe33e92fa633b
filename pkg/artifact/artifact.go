// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package artifact exposes the artifact header view the orchestrators
// consume. Full artifact verification (signatures, checksums) is the job of
// the artifact tooling; the agent only needs the header metadata and a way
// to stream payload files to the update module.
package artifact

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/goccy/go-json"
)

// HeaderInfo is the header-info document embedded in an artifact.
type HeaderInfo struct {
	Payloads []PayloadInfo    `json:"payloads"`
	Provides ArtifactProvides `json:"artifact_provides"`
	Depends  ArtifactDepends  `json:"artifact_depends"`
}

// PayloadInfo describes one payload.
type PayloadInfo struct {
	Type           string            `json:"type"`
	Provides       map[string]string `json:"artifact_provides,omitempty"`
	ClearsProvides []string          `json:"clears_artifact_provides,omitempty"`
}

// ArtifactProvides is the artifact-level identity.
type ArtifactProvides struct {
	ArtifactName  string `json:"artifact_name"`
	ArtifactGroup string `json:"artifact_group,omitempty"`
}

// ArtifactDepends is what the artifact requires from the device.
type ArtifactDepends struct {
	DeviceType []string `json:"device_type"`
}

// View is the flattened header as the orchestrators use it.
type View struct {
	Name              string
	Group             string
	PayloadTypes      []string
	CompatibleDevices []string
	TypeInfoProvides  map[string]string
	ClearsProvides    []string
}

// ViewFromHeader flattens a header-info document.
func ViewFromHeader(hi HeaderInfo) View {
	view := View{
		Name:              hi.Provides.ArtifactName,
		Group:             hi.Provides.ArtifactGroup,
		CompatibleDevices: hi.Depends.DeviceType,
	}
	for _, payload := range hi.Payloads {
		view.PayloadTypes = append(view.PayloadTypes, payload.Type)
		if payload.Provides != nil && view.TypeInfoProvides == nil {
			view.TypeInfoProvides = map[string]string{}
		}
		for key, value := range payload.Provides {
			view.TypeInfoProvides[key] = value
		}
		if payload.ClearsProvides != nil && view.ClearsProvides == nil {
			view.ClearsProvides = []string{}
		}
		view.ClearsProvides = append(view.ClearsProvides, payload.ClearsProvides...)
	}

	return view
}

// CompatibleWith reports whether the artifact accepts the device type.
func (v View) CompatibleWith(deviceType string) bool {
	for _, compatible := range v.CompatibleDevices {
		if compatible == deviceType {
			return true
		}
	}

	return false
}

// HeaderInfoJSON renders the header-info document written into the update
// module work tree.
func (v View) HeaderInfoJSON() ([]byte, error) {
	hi := HeaderInfo{
		Provides: ArtifactProvides{ArtifactName: v.Name, ArtifactGroup: v.Group},
		Depends:  ArtifactDepends{DeviceType: v.CompatibleDevices},
	}
	for i, payloadType := range v.PayloadTypes {
		payload := PayloadInfo{Type: payloadType}
		if i == 0 {
			payload.Provides = v.TypeInfoProvides
			payload.ClearsProvides = v.ClearsProvides
		}
		hi.Payloads = append(hi.Payloads, payload)
	}

	return json.Marshal(hi)
}

// Reader parses an artifact stream. Implemented by TarReader; tests use
// in-memory fakes.
type Reader interface {
	// Open consumes the stream far enough to return the header view.
	Open(r io.Reader) (*Artifact, error)
}

// Artifact is an opened artifact: the header plus sequential access to the
// payload files.
type Artifact struct {
	Header View
	tr     *tar.Reader
}

// NextPayloadFile returns the next payload file in the stream, or io.EOF.
// The returned reader is only valid until the next call.
func (a *Artifact) NextPayloadFile() (string, io.Reader, error) {
	if a.tr == nil {
		return "", nil, io.EOF
	}

	for {
		hdr, err := a.tr.Next()
		if errors.Is(err, io.EOF) {
			return "", nil, io.EOF
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to read artifact payload: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasPrefix(hdr.Name, "data/") {
			continue
		}

		return path.Base(hdr.Name), a.tr, nil
	}
}

// TarReader reads the agent's tar artifact layout: a header-info entry
// followed by payload files under data/.
type TarReader struct{}

// NewTarReader returns a TarReader.
func NewTarReader() *TarReader {
	return &TarReader{}
}

// Open reads the header and positions the stream at the payload files.
func (tr *TarReader) Open(r io.Reader) (*Artifact, error) {
	reader := tar.NewReader(r)

	hdr, err := reader.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if path.Base(hdr.Name) != "header-info" {
		return nil, fmt.Errorf("unexpected leading artifact entry %q, want header-info", hdr.Name)
	}

	var hi HeaderInfo
	if err := json.NewDecoder(reader).Decode(&hi); err != nil {
		return nil, fmt.Errorf("failed to decode header-info: %w", err)
	}
	if hi.Provides.ArtifactName == "" {
		return nil, errors.New("artifact header has no artifact_name")
	}

	// Zero payloads is legal: bootstrap artifacts only carry identity and
	// provides.
	return &Artifact{Header: ViewFromHeader(hi), tr: reader}, nil
}
