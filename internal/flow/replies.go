package flow

import (
	"fmt"
	"strings"

	"github.com/intynet/neti/internal/models"
	"github.com/intynet/neti/internal/ticketing"
)

// GenericFailureReply is sent when a message could not be processed at all.
const GenericFailureReply = "Maaf kak, ada kendala sistem. Bisa coba lagi ya? 🙏"

// PendingReportReply answers complaints while a human agent owns the conversation.
const PendingReportReply = "Halo kak! 👋\n\nLaporan kakak masih dalam proses penanganan oleh tim teknis kami. " +
	"Mohon ditunggu ya kak, tim kami akan segera menghubungi kakak untuk tindak lanjut.\n\nTerima kasih atas kesabarannya 🙏"

const personaPrompt = `Kamu adalah Neti, asisten virtual Intynet (ISP fiber-optic di Balikpapan).

PERSONALITY:
- Ramah dan helpful
- Bahasa Indonesia casual, sopan (pakai "kak")
- Emoji secukupnya (1-2 per pesan)
- Empathetic terhadap keluhan
- Response singkat dan to the point (max 3 paragraf)

RULES:
- Jangan mengarang info yang tidak ada
- Jangan menjanjikan waktu perbaikan
- Jangan meminta data pribadi selain yang diminta sistem`

const (
	replyAskResult = "Bagaimana kak, sudah dicoba langkah-langkahnya? Apakah internetnya sudah normal atau masih bermasalah? 🙏"
	replyResolved  = "Alhamdulillah sudah normal ya kak! 🎉 Senang bisa membantu. Jika ada kendala lagi, silakan hubungi kami kapan saja 😊"
	replyLookupErr = "Mohon maaf kak, sistem pengecekan data pelanggan sedang mengalami kendala 🙏 Silakan kirim pesan lagi dalam beberapa saat agar kami cek ulang."
	replyHandoff   = "Mohon maaf kak, data kakak belum bisa kami verifikasi secara otomatis 🙏 Percakapan ini kami teruskan ke tim CS kami, mohon ditunggu ya."
	replyReconfirm = "Mohon balas *YA* jika data sudah benar, atau *TIDAK* jika ingin mengubah data 🙏"
	replyClosed    = "Terima kasih kak 😊 Jika ada kendala lain dengan layanan Intynet, silakan ceritakan saja ya."
	replyHandedOff = "Percakapan kakak sudah kami teruskan ke tim CS, mohon ditunggu ya kak 🙏"
)

var troubleshootingSteps = map[models.IssueCategory][]string{
	models.IssueNoConnection: {
		"Restart modem: cabut kabel power, tunggu 30 detik, lalu colok kembali",
		"Pastikan semua kabel (power, LAN, fiber) terpasang dengan baik",
		"Cek lampu modem: Power, LAN dan PON harus hijau",
	},
	models.IssueSlow: {
		"Restart modem: cabut kabel power, tunggu 30 detik, lalu colok kembali",
		"Kurangi perangkat yang terhubung bersamaan, terutama yang sedang download atau streaming",
		"Coba tes kecepatan di dekat modem atau pakai kabel LAN",
	},
	models.IssueWiFi: {
		"Restart modem: cabut kabel power, tunggu 30 detik, lalu colok kembali",
		"Dekatkan perangkat ke modem dan pastikan tidak terhalang tembok tebal",
		"Lupakan (forget) jaringan WiFi di HP lalu sambungkan ulang dengan password yang benar",
	},
	models.IssueFiberLOS: {
		"Cek lampu LOS di modem: jika merah berkedip berarti ada gangguan di kabel fiber",
		"Pastikan kabel fiber kuning tidak tertekuk, terjepit atau terlepas dari modem",
		"Restart modem sekali: cabut kabel power, tunggu 30 detik, lalu colok kembali",
	},
	models.IssueOther: {
		"Restart modem: cabut kabel power, tunggu 30 detik, lalu colok kembali",
		"Pastikan semua kabel (power, LAN, fiber) terpasang dengan baik",
		"Jika pakai WiFi, coba dekatkan perangkat ke modem",
	},
}

func stepsFor(c models.IssueCategory) []string {
	if steps, ok := troubleshootingSteps[c]; ok {
		return steps
	}
	return troubleshootingSteps[models.IssueOther]
}

func greetingReply(name string) string {
	who := "kak"
	if name = strings.TrimSpace(name); name != "" {
		who = "kak " + name
	}
	return fmt.Sprintf("Halo %s! 👋 Saya Neti, asisten virtual Intynet. Ada kendala internet yang bisa Neti bantu?", who)
}

func troubleshootingReply(c models.IssueCategory) string {
	var b strings.Builder
	b.WriteString("Mohon maaf atas ketidaknyamanannya kak 🙏 Coba langkah berikut dulu ya:\n")
	for i, step := range stepsFor(c) {
		fmt.Fprintf(&b, "\n%d. %s", i+1, step)
	}
	b.WriteString("\n\nSetelah dicoba, kabari Neti ya kak, apakah internetnya sudah normal atau masih bermasalah?")
	return b.String()
}

func troubleshootingInstruction(c models.IssueCategory, complaint string) string {
	var b strings.Builder
	b.WriteString("Customer melaporkan gangguan internet")
	if c != models.IssueOther {
		fmt.Fprintf(&b, " (kategori: %s)", c.Label())
	}
	b.WriteString(". Tunjukkan empati singkat, lalu berikan langkah troubleshooting berikut dengan bahasa yang ramah:\n")
	for i, step := range stepsFor(c) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString("Akhiri dengan meminta customer mengabari apakah internet sudah normal atau masih bermasalah setelah dicoba.")
	if complaint != "" {
		fmt.Fprintf(&b, "\n\nKeluhan customer: %q", complaint)
	}
	return b.String()
}

func greetingInstruction(name string) string {
	return fmt.Sprintf("Customer bernama %q menyapa. Balas ramah, perkenalkan diri sebagai Neti dari Intynet, tanya ada kendala apa yang bisa dibantu. Maksimal 2 kalimat.", name)
}

func fieldLabel(f models.FieldName) string {
	switch f {
	case models.FieldInternalID:
		return "ID Pelanggan"
	case models.FieldDescription:
		return "Gangguan"
	case models.FieldAddress:
		return "Alamat"
	case models.FieldIssueType:
		return "Jenis Gangguan"
	case models.FieldProblemSince:
		return "Sejak Kapan"
	default:
		return string(f)
	}
}

func issueMenu() string {
	var b strings.Builder
	for i, c := range models.IssueCategories {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c.Label())
	}
	return strings.TrimRight(b.String(), "\n")
}

func formPrompt(fields []models.FieldName) string {
	var b strings.Builder
	b.WriteString("Baik kak, mohon maaf gangguannya belum teratasi 🙏 Agar bisa kami buatkan laporan, mohon kirimkan data berikut:\n\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "%s: \n", fieldLabel(f))
	}
	if containsField(fields, models.FieldIssueType) {
		b.WriteString("\nPilihan Jenis Gangguan:\n")
		b.WriteString(issueMenu())
		b.WriteString("\n")
	}
	b.WriteString("\nContoh: ID Pelanggan: C650AD, Gangguan: Internet mati total sejak pagi")
	return b.String()
}

func missingPrompt(missing []models.FieldName) string {
	labels := make([]string, 0, len(missing))
	for _, f := range missing {
		labels = append(labels, "*"+fieldLabel(f)+"*")
	}
	msg := fmt.Sprintf("Terima kasih kak. Data yang masih kami perlukan: %s. Mohon dilengkapi ya 🙏", strings.Join(labels, ", "))
	if containsField(missing, models.FieldIssueType) {
		msg += "\n\nPilihan Jenis Gangguan:\n" + issueMenu()
	}
	return msg
}

func rejectionReply(id, reason string) string {
	if reason == models.ReasonInactive {
		return fmt.Sprintf("Mohon maaf kak, layanan dengan ID Pelanggan *%s* sedang tidak aktif sehingga laporan gangguan belum bisa dibuat 🙏 Jika kakak punya ID Pelanggan lain, silakan kirimkan.", id)
	}
	return fmt.Sprintf("Mohon maaf kak, ID Pelanggan *%s* tidak ditemukan di sistem kami 🙏 Mohon cek kembali dan kirimkan ID Pelanggan yang benar ya.", id)
}

func summaryReply(s models.Session) string {
	var b strings.Builder
	b.WriteString("Berikut data laporan kakak:\n\n")
	name := s.CustomerName
	address := s.Form[models.FieldAddress]
	if acc := s.Validation.Account; acc != nil {
		if acc.Name != "" {
			name = acc.Name
		}
		if address == "" {
			address = acc.Address
		}
	}
	fmt.Fprintf(&b, "👤 Nama: %s\n", name)
	fmt.Fprintf(&b, "🆔 ID Pelanggan: %s\n", s.Form[models.FieldInternalID])
	if address != "" {
		fmt.Fprintf(&b, "📍 Alamat: %s\n", address)
	}
	if it := s.Form[models.FieldIssueType]; it != "" {
		fmt.Fprintf(&b, "📂 Jenis Gangguan: %s\n", models.IssueCategory(it).Label())
	}
	fmt.Fprintf(&b, "🛠️ Gangguan: %s\n", s.Form[models.FieldDescription])
	if since := s.Form[models.FieldProblemSince]; since != "" {
		fmt.Fprintf(&b, "🕒 Sejak: %s\n", since)
	}
	b.WriteString("\nApakah data di atas sudah benar? Balas *YA* untuk mengirim laporan atau *TIDAK* untuk mengubah data.")
	return b.String()
}

func ticketCreatedReply(ticketID string) string {
	return fmt.Sprintf("Laporan gangguan kakak sudah kami terima ✅\nNomor tiket: *%s*\n\nTim teknis kami akan segera menindaklanjuti. Terima kasih atas kesabarannya kak 🙏", ticketID)
}

func submitFailureReply(err error) string {
	switch {
	case ticketing.IsSubmitKind(err, ticketing.KindDuplicate):
		return "Kak, untuk ID ini masih ada laporan gangguan yang aktif dan sedang ditangani tim kami 🙏 Mohon ditunggu ya, kami kabari perkembangannya."
	case ticketing.IsSubmitKind(err, ticketing.KindRejected):
		return "Mohon maaf kak, laporan belum bisa diproses oleh sistem kami 🙏 Balas *TIDAK* untuk memperbaiki data, atau *YA* untuk mencoba lagi."
	default:
		return "Mohon maaf kak, sistem laporan sedang mengalami kendala sehingga laporan belum terkirim 🙏 Balas *YA* untuk mencoba mengirim ulang."
	}
}

func closedReply(s models.Session) string {
	switch {
	case s.TicketID != "":
		return fmt.Sprintf("Laporan kakak dengan nomor tiket *%s* sudah kami terima dan sedang diproses 🙏 Jika ada kendala baru, silakan ceritakan ya kak.", s.TicketID)
	case s.Handoff:
		return replyHandedOff
	default:
		return replyClosed
	}
}

func containsField(fields []models.FieldName, f models.FieldName) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
