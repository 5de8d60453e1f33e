package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/huddlekit/huddle/configs"
	"github.com/huddlekit/huddle/internal/media"
	"github.com/huddlekit/huddle/internal/rtc"
	"github.com/huddlekit/huddle/internal/session"
	"github.com/huddlekit/huddle/internal/signaling"
	"github.com/huddlekit/huddle/internal/store"
)

var joinCmd = &cobra.Command{
	Use:   "join <room-token>",
	Short: "Join a room, creating it if it does not exist yet",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(_ *cobra.Command, _ []string) error {
		if viper.GetString("user-id") != "" {
			return nil
		}
		// first run mints a stable identity and stores it
		userID := uuid.NewString()
		name := viper.GetString("display-name")
		if name == "" {
			name = "guest-" + userID[:8]
		}
		viper.Set("user-id", userID)
		viper.Set("display-name", name)
		return configs.PersistIdentity(ConfigFile, userID, name)
	},
	RunE: joinRoom,
}

func init() {
	joinCmd.Flags().Bool("no-audio", false, "join without microphone capture")
	joinCmd.Flags().Bool("no-video", false, "join without camera capture")
	joinCmd.Flags().Bool("headless", false, "join without any capture devices")
	rootCmd.AddCommand(joinCmd)
}

func joinRoom(cmd *cobra.Command, args []string) error {
	token := args[0]
	noAudio, _ := cmd.Flags().GetBool("no-audio")
	noVideo, _ := cmd.Flags().GetBool("no-video")
	headless, _ := cmd.Flags().GetBool("headless")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	var provider media.Provider
	var populate func(*webrtc.MediaEngine) error
	if !headless {
		devices, err := media.NewDeviceProvider()
		if err != nil {
			return err
		}
		provider = devices
		populate = devices.PopulateEngine
	}

	stunServers := viper.GetStringSlice("webrtc.stun-servers")
	if len(stunServers) == 0 {
		stunServers = rtc.DefaultSTUNServers
	}
	factory, err := rtc.NewPionFactory(rtc.Config{
		STUNServers: stunServers,
		ReceiveMTU:  uint(viper.GetInt("webrtc.receive-mtu")),
	}, populate)
	if err != nil {
		return err
	}

	sess := session.New(session.Options{
		RoomToken:   token,
		UserID:      viper.GetString("user-id"),
		DisplayName: viper.GetString("display-name"),
		Store:       st,
		Transports:  factory,
		Media:       provider,
		Constraints: media.Constraints{Audio: !noAudio, Video: !noVideo},
		OnRosterChange: func(roster []store.Participant) {
			fmt.Printf("room: %d participant(s)\n", len(roster))
		},
		OnChat: func(m signaling.ChatMessage) {
			fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.DisplayName, m.Text)
		},
		OnRemoteTrack: func(peerID string, track session.RemoteTrack) {
			fmt.Printf("media: receiving %s from %s\n", track.Kind(), peerID)
			go drainTrack(track)
		},
	})

	if err := sess.Join(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sess.Leave(context.Background()); err != nil {
			log.Printf("leave: %v", err)
		}
	}()

	fmt.Printf("joined %q as %s\n", token, viper.GetString("display-name"))
	fmt.Printf("invite: %s\n", session.ShareLink(viper.GetString("base-url"), token))

	runPrompt(ctx, sess)
	return nil
}

// drainTrack keeps reading RTP so the transport's receive path stays
// healthy even though the terminal client renders nothing.
func drainTrack(track session.RemoteTrack) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// runPrompt is the in-call command loop. Anything not starting with a
// slash is sent as chat.
func runPrompt(ctx context.Context, sess *session.Session) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, sess, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, sess *session.Session, line string) bool {
	var err error
	switch line {
	case "":
	case "/quit":
		return false
	case "/mute":
		err = sess.SetAudioEnabled(ctx, false)
	case "/unmute":
		err = sess.SetAudioEnabled(ctx, true)
	case "/camera on":
		err = sess.SetVideoEnabled(ctx, true)
	case "/camera off":
		err = sess.SetVideoEnabled(ctx, false)
	case "/share":
		err = sess.StartScreenShare(ctx)
	case "/unshare":
		err = sess.StopScreenShare(ctx)
	case "/who":
		if err = sess.Refresh(ctx); err == nil {
			for _, p := range sess.Roster() {
				fmt.Printf("  %s%s\n", p.DisplayName, participantBadges(p))
			}
		}
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Println("commands: /mute /unmute /camera on|off /share /unshare /who /quit")
			return true
		}
		_, err = sess.SendChat(ctx, line)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return true
}

func participantBadges(p store.Participant) string {
	var badges []string
	if p.IsHost {
		badges = append(badges, "host")
	}
	if !p.AudioEnabled {
		badges = append(badges, "muted")
	}
	if !p.VideoEnabled {
		badges = append(badges, "camera off")
	}
	if p.ScreenSharing {
		badges = append(badges, "sharing")
	}
	if len(badges) == 0 {
		return ""
	}
	return " (" + strings.Join(badges, ", ") + ")"
}
