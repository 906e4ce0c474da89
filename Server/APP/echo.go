package main

import (
	"go.uber.org/zap"

	"github.com/Liangxia6/quicmux"
	wrapper "github.com/Liangxia6/quicmux/Server/sWrapper"
)

// newEchoHandler 回应 ":status 200"，原样回写 body，client 关闭写方向后关闭 stream。
func newEchoHandler(logger *zap.Logger) wrapper.HandlerFunc {
	return func(_ *quicmux.Session, _ *quicmux.Stream) quicmux.StreamHandler {
		return quicmux.StreamHandlerFuncs{
			Headers: func(str *quicmux.Stream, _ *quicmux.HeaderBlock) {
				if err := str.WriteHeaders(quicmux.NewHeaderBlock(":status", "200"), false); err != nil {
					logger.Debug("echo headers", zap.Uint64("stream", uint64(str.ID())), zap.Error(err))
					_ = str.Reset(quicmux.InternalError)
				}
			},
			Data: func(str *quicmux.Stream, p []byte) {
				if _, err := str.WriteOrBufferData(p, false); err != nil {
					logger.Debug("echo data", zap.Uint64("stream", uint64(str.ID())), zap.Error(err))
				}
			},
			Fin: func(str *quicmux.Stream) {
				_ = str.Close()
			},
		}
	}
}
