//go:build gomock || generate

package quicmux

//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package quicmux -self_package github.com/Liangxia6/quicmux -destination mock_packet_writer_test.go github.com/Liangxia6/quicmux PacketWriter"
//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package quicmux -self_package github.com/Liangxia6/quicmux -destination mock_alarm_scheduler_test.go github.com/Liangxia6/quicmux AlarmScheduler"
