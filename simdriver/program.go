package simdriver

import (
	"encoding/json"

	"github.com/karlwessel/chipstar-core/module"
)

// VarDecl describes one module-scope variable a simulated compiled
// program declares, standing in for what a real SPIR-V module's
// reflection data would report.
type VarDecl struct {
	Name           string
	Size           uint64
	Alignment      uint64
	HasInitializer bool
	InitialValue   []byte `json:",omitempty"`
}

// Program is the "compiled binary" simdriver understands: a plain
// descriptor naming the kernels and module-scope variables a real
// compiler toolchain would have emitted, plus the shadow kernels the
// module package expects to find for each variable. Real device binaries
// are opaque SPIR-V blobs; this repository never compiles real device
// code, so Program is what CreateModule actually receives and decodes.
type Program struct {
	Kernels []string
	Vars    []VarDecl
}

// Compile encodes a Program into the opaque byte form module.New expects,
// taking the place of an actual JIT/AOT compile step.
func Compile(p Program) []byte {
	b, _ := json.Marshal(p)
	return b
}

func decodeProgram(spirv []byte) (Program, error) {
	var p Program
	if len(spirv) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(spirv, &p); err != nil {
		return Program{}, err
	}
	return p, nil
}

// inspector implements module.Inspector by decoding the Program a test
// or demo encoded with Compile, and synthesizing the three shadow kernel
// names the module package expects per declared variable.
type inspector struct{}

func (inspector) KernelNames(spirv []byte) ([]string, error) {
	p, err := decodeProgram(spirv)
	if err != nil {
		return nil, err
	}
	names := append([]string(nil), p.Kernels...)
	for _, v := range p.Vars {
		names = append(names,
			module.InfoPrefix+v.Name,
			module.BindPrefix+v.Name,
			module.InitPrefix+v.Name,
		)
	}
	return names, nil
}

func (inspector) VarNames(spirv []byte) ([]string, error) {
	p, err := decodeProgram(spirv)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(p.Vars))
	for i, v := range p.Vars {
		names[i] = v.Name
	}
	return names, nil
}

// Inspector is the module.Inspector simdriver-backed code should pass to
// module.New.
var Inspector module.Inspector = inspector{}
