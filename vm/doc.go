// Package vm describes the T3 virtual machine as seen by the compiler and
// linker.
//
// This package contains:
//   - The opcode table, operand layouts and a byte-code disassembler
//   - Method headers and exception table entries
//   - Portable data holders and little-endian encoding helpers
//   - Object payload layouts for tads-objects, dictionaries and grammar
//     productions
//   - Function set and metaclass dependency tables
package vm
