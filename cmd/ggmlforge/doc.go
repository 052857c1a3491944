// Command ggmlforge builds the llama.cpp toolchain, fetches model
// repositories, and converts and quantizes them to GGML files.
//
// "ggmlforge serve" runs the HTTP service; "ggmlforge convert" runs one
// conversion locally or, with --remote, against a running server.
package main
