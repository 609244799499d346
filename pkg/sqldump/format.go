package sqldump

import (
	"fmt"
	"strings"
	"time"
)

// Generator identifies the dump writer in headers and artifact metadata
const Generator = "dbmaint/1.0"

// HeaderInfo describes the dump being written
type HeaderInfo struct {
	Database  string
	CreatedAt time.Time
	Generator string
}

// Header returns the leading comment block and session setup directives.
func Header(info HeaderInfo) string {
	gen := info.Generator
	if gen == "" {
		gen = Generator
	}
	return fmt.Sprintf(`-- dbmaint SQL dump
-- Generator: %s
-- Database: %s
-- Created: %s
-- ------------------------------------------------------

/*!40101 SET NAMES utf8mb4 */;
/*!40103 SET @OLD_TIME_ZONE=@@TIME_ZONE */;
/*!40103 SET TIME_ZONE='+00:00' */;
/*!40014 SET @OLD_UNIQUE_CHECKS=@@UNIQUE_CHECKS, UNIQUE_CHECKS=0 */;
/*!40014 SET @OLD_FOREIGN_KEY_CHECKS=@@FOREIGN_KEY_CHECKS, FOREIGN_KEY_CHECKS=0 */;
/*!40101 SET @OLD_SQL_MODE=@@SQL_MODE, SQL_MODE='NO_AUTO_VALUE_ON_ZERO' */;

`, gen, info.Database, info.CreatedAt.UTC().Format(time.RFC3339))
}

// TableBanner returns the comment block preceding a table's statements.
func TableBanner(table string) string {
	return fmt.Sprintf("\n--\n-- Table structure and data for table %s\n--\n\n", QuoteIdent(table))
}

// DropTable returns the DROP TABLE IF EXISTS statement for table.
func DropTable(table string) string {
	return "DROP TABLE IF EXISTS " + QuoteIdent(table) + ";\n"
}

// CreateTable terminates a SHOW CREATE TABLE result as a statement.
func CreateTable(createSQL string) string {
	return strings.TrimRight(createSQL, "; \n\t") + ";\n\n"
}

// Footer returns the trailing session restore directives.
func Footer() string {
	return `
/*!40101 SET SQL_MODE=@OLD_SQL_MODE */;
/*!40014 SET FOREIGN_KEY_CHECKS=@OLD_FOREIGN_KEY_CHECKS */;
/*!40014 SET UNIQUE_CHECKS=@OLD_UNIQUE_CHECKS */;
/*!40103 SET TIME_ZONE=@OLD_TIME_ZONE */;

-- Dump completed
`
}
