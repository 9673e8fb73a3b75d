// Package logger provides adapters for popular logger libraries to work with
// sombra's Logger interface.
//
// The standard library's slog.Logger already implements sombra.Logger
// directly.
//
// Example with zap:
//
//	import (
//	    "github.com/maskdotdev/sombra-sub003"
//	    "github.com/maskdotdev/sombra-sub003/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    store, err := sombra.OpenStore("data.db",
//	        sombra.WithStoreLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer store.Close()
//
//	    tree, err := sombra.Open[uint64, []byte](store, sombra.Uint64Codec{}, sombra.BytesCodec{},
//	        sombra.WithLogger(logger.NewZap(zapLogger)))
//	    ...
//	}
package logger
